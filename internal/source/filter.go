package source

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"

	"firestige.xyz/captain/internal/core"
)

// Filter runs a classic BPF program against each frame.
type Filter struct {
	vm *bpf.VM
}

// ParseFilter builds a filter from "op jt jf k" lines, the format printed by
// `tcpdump -ddd` without its leading count line. No lines means no filter.
func ParseFilter(lines []string) (*Filter, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	raw := make([]bpf.RawInstruction, 0, len(lines))
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: bpf instruction %d: want \"op jt jf k\", got %q", core.ErrConfigInvalid, i, line)
		}
		var vals [4]uint64
		for j, f := range fields {
			bits := 8
			if j == 0 {
				bits = 16
			} else if j == 3 {
				bits = 32
			}
			v, err := strconv.ParseUint(f, 0, bits)
			if err != nil {
				return nil, fmt.Errorf("%w: bpf instruction %d: %v", core.ErrConfigInvalid, i, err)
			}
			vals[j] = v
		}
		raw = append(raw, bpf.RawInstruction{
			Op: uint16(vals[0]),
			Jt: uint8(vals[1]),
			Jf: uint8(vals[2]),
			K:  uint32(vals[3]),
		})
	}
	return NewFilter(raw)
}

// NewFilter validates raw and loads it into a BPF VM.
func NewFilter(raw []bpf.RawInstruction) (*Filter, error) {
	insts, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("%w: bpf program contains unknown instructions", core.ErrConfigInvalid)
	}
	vm, err := bpf.NewVM(insts)
	if err != nil {
		return nil, fmt.Errorf("%w: bpf program: %v", core.ErrConfigInvalid, err)
	}
	return &Filter{vm: vm}, nil
}

// Match reports whether frame passes. A nil filter passes everything.
func (f *Filter) Match(frame []byte) bool {
	if f == nil {
		return true
	}
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

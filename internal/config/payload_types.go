package config

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

const maxPayloadType = 127

// PayloadTypeList is the RTP payload type allow-list as configured. Entries
// are single values or inclusive "a..b" ranges, e.g. [0, 8, "96..127"].
type PayloadTypeList []uint8

// MarshalYAML renders the list as numbers rather than a byte string.
func (l PayloadTypeList) MarshalYAML() (interface{}, error) {
	out := make([]int, len(l))
	for i, t := range l {
		out[i] = int(t)
	}
	return out, nil
}

// payloadTypesHook decodes a YAML list or a comma separated env string into
// a PayloadTypeList.
func payloadTypesHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(PayloadTypeList(nil))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}

		var entries []interface{}
		switch v := data.(type) {
		case nil:
			return PayloadTypeList(nil), nil
		case string:
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					entries = append(entries, s)
				}
			}
		case []interface{}:
			entries = v
		case []int:
			for _, n := range v {
				entries = append(entries, n)
			}
		case []string:
			for _, s := range v {
				entries = append(entries, s)
			}
		default:
			return nil, invalid("rtp.payload_types: unsupported value %v of type %s", data, from)
		}

		var out PayloadTypeList
		for _, e := range entries {
			types, err := parsePayloadTypeEntry(e)
			if err != nil {
				return nil, err
			}
			out = append(out, types...)
		}
		return out, nil
	}
}

func parsePayloadTypeEntry(e interface{}) ([]uint8, error) {
	switch v := e.(type) {
	case int:
		return single(int64(v))
	case int64:
		return single(v)
	case uint64:
		return single(int64(v))
	case float64:
		if v != float64(int64(v)) {
			return nil, invalid("rtp.payload_types: %v is not an integer", v)
		}
		return single(int64(v))
	case string:
		lo, hi, isRange := strings.Cut(v, "..")
		if !isRange {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, invalid("rtp.payload_types: bad entry %q", v)
			}
			return single(n)
		}
		a, errA := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		b, errB := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
		if errA != nil || errB != nil {
			return nil, invalid("rtp.payload_types: bad range %q", v)
		}
		if a > b || a < 0 || b > maxPayloadType {
			return nil, invalid("rtp.payload_types: range %q outside 0..%d", v, maxPayloadType)
		}
		out := make([]uint8, 0, b-a+1)
		for n := a; n <= b; n++ {
			out = append(out, uint8(n))
		}
		return out, nil
	default:
		return nil, invalid("rtp.payload_types: unsupported entry %v", e)
	}
}

func single(n int64) ([]uint8, error) {
	if n < 0 || n > maxPayloadType {
		return nil, invalid("rtp.payload_types: %d outside 0..%d", n, maxPayloadType)
	}
	return []uint8{uint8(n)}, nil
}

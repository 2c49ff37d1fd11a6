package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/captain/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run [capture]",
	Short: "Decode a pcap or pcapng capture",
	Long: `Decode every frame of a pcap or pcapng capture and deliver the RTP
packets to the configured sink. Reads standard input when the capture is
omitted or "-".

SIGTERM and SIGINT stop reading; frames already read are still drained.
SIGHUP reloads the log settings.

Examples:
  captain run call.pcap
  captain run -c captain.yml call.pcapng
  tcpdump -w - -i eth0 udp | captain run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := "-"
		if len(args) == 1 {
			input = args[0]
		}
		d, err := daemon.New(configFile,
			daemon.WithPIDFile(runPIDFile),
			daemon.WithShutdownTimeout(runShutdownTimeout))
		if err != nil {
			return err
		}
		return runCapture(d, input, cmd.ErrOrStderr())
	},
}

var (
	runPIDFile         string
	runShutdownTimeout time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&runPIDFile, "pidfile", "p", "",
		"PID file path (none when empty)")
	runCmd.Flags().DurationVarP(&runShutdownTimeout, "timeout", "t", 10*time.Second,
		"how long to wait for pipelines to drain on shutdown")
}

// captureRunner is the part of the daemon the run command drives.
type captureRunner interface {
	Start() error
	Run(input string) (int, error)
	Stop() error
}

func runCapture(r captureRunner, input string, out io.Writer) error {
	if err := r.Start(); err != nil {
		r.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}
	n, err := r.Run(input)
	if err != nil {
		return fmt.Errorf("failed to process %s: %w", input, err)
	}
	fmt.Fprintf(out, "✓ Processed %d frame(s) from %s\n", n, input)
	return nil
}

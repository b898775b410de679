package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/cspybridge/internal/integration/debug"
	"github.com/dshills/cspybridge/internal/integration/debug/runcontrol"
)

var (
	stepKind        string
	stepGranularity string
	stepAllCores    bool
	stepTimeout     time.Duration
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Step a core and print where it stopped",
	Long: `Step runs one step (next, in or out), continue or run-to-main on the
selected core, or on all cores with --all, and waits for the engine to
report the stop.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		g, err := parseGranularity(stepGranularity)
		if err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *debug.Session, out io.Writer, stops <-chan coreStop) error {
			if err := checkCore(s); err != nil {
				return err
			}
			var core *int32
			if !stepAllCores {
				c := flags.core
				core = &c
			}

			rc := s.RunControl()
			switch stepKind {
			case "next":
				err = rc.Next(ctx, core, g)
			case "in":
				err = rc.StepIn(ctx, core, g)
			case "out":
				err = rc.StepOut(ctx, core)
			case "continue":
				err = rc.Continue(ctx, core)
			case "main":
				err = rc.RunToULE(ctx, core, "main")
			default:
				return fmt.Errorf("unknown step kind %q", stepKind)
			}
			if err != nil {
				return err
			}

			timer := time.NewTimer(stepTimeout)
			defer timer.Stop()
			select {
			case stop := <-stops:
				frames, err := s.Contexts().FetchStackFrames(ctx, stop.core, 0, 1)
				if err != nil {
					return err
				}
				where := "<no frames>"
				if len(frames) > 0 {
					where = fmt.Sprintf("%s at %s", frames[0].Name, debug.FormatLocation(frames[0]))
				}
				fmt.Fprintf(out, "core %d stopped (%s): %s\n", stop.core, stop.reason, where)
				return nil
			case <-timer.C:
				fmt.Fprintln(out, "still running, pausing")
				return rc.Pause(ctx, flags.core)
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	},
}

func init() {
	stepCmd.Flags().StringVar(&stepKind, "kind", "next", "Step kind (next, in, out, continue, main)")
	stepCmd.Flags().StringVar(&stepGranularity, "granularity", "statement", "Step granularity (statement, line, instruction)")
	stepCmd.Flags().BoolVar(&stepAllCores, "all", false, "Run every core")
	stepCmd.Flags().DurationVar(&stepTimeout, "timeout", 10*time.Second, "How long to wait for the stop")
}

func parseGranularity(s string) (runcontrol.Granularity, error) {
	switch g := runcontrol.Granularity(s); g {
	case runcontrol.GranularityStatement, runcontrol.GranularityLine, runcontrol.GranularityInstruction:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

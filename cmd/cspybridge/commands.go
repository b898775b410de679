package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/cspybridge/internal/integration/debug"
	"github.com/dshills/cspybridge/internal/integration/debug/cspy"
	"github.com/dshills/cspybridge/internal/integration/debug/dap"
	"github.com/dshills/cspybridge/internal/integration/debug/disasm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a session and print the state of every core",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *debug.Session, out io.Writer, _ <-chan coreStop) error {
			engineVersion, err := s.Debugger().VersionString(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "engine %s, %d core(s)\n", engineVersion, s.NumberOfCores())

			for core := range s.NumberOfCores() {
				frames, err := s.Contexts().FetchStackFrames(ctx, core, 0, 1)
				if err != nil {
					fmt.Fprintf(out, "core %d: %v\n", core, err)
					continue
				}
				if len(frames) == 0 {
					fmt.Fprintf(out, "core %d: no frames\n", core)
					continue
				}
				fmt.Fprintf(out, "core %d: %s at %s\n", core, frames[0].Name, debug.FormatLocation(frames[0]))
			}
			return nil
		})
	},
}

var stackDepth int

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Print the call stack of a core",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *debug.Session, out io.Writer, _ <-chan coreStop) error {
			if err := checkCore(s); err != nil {
				return err
			}
			frames, err := s.Contexts().FetchStackFrames(ctx, flags.core, 0, stackDepth)
			if err != nil {
				return err
			}
			fmt.Fprint(out, debug.FormatStackTrace(frames, 0, len(frames)))
			return nil
		})
	},
}

var localsFrame int

var localsCmd = &cobra.Command{
	Use:   "locals",
	Short: "Print the variables of a frame, one scope at a time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd, func(ctx context.Context, s *debug.Session, out io.Writer, _ <-chan coreStop) error {
			if err := checkCore(s); err != nil {
				return err
			}
			frames, err := s.Contexts().FetchStackFrames(ctx, flags.core, 0, localsFrame+1)
			if err != nil {
				return err
			}
			if localsFrame >= len(frames) {
				return fmt.Errorf("frame %d out of range (stack has %d)", localsFrame, len(frames))
			}

			scopes, err := s.Contexts().FetchScopes(frames[localsFrame].ID)
			if err != nil {
				return err
			}
			for _, scope := range scopes {
				fmt.Fprintf(out, "%s:\n", scope.Name)
				vars, err := s.Contexts().FetchVariables(ctx, scope.VariablesReference)
				if err != nil {
					fmt.Fprintf(out, "  <%v>\n", err)
					continue
				}
				printVariables(out, vars)
			}
			return nil
		})
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval <expression>...",
	Short: "Evaluate expressions in the current inspection context",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *debug.Session, out io.Writer, _ <-chan coreStop) error {
			watches := s.Watches()
			for _, expr := range args {
				watches.Add(expr)
			}
			printVariables(out, watches.Update(ctx, nil))
			return nil
		})
	},
}

var (
	disasmLines  int
	disasmOffset int
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <address>",
	Short: "Disassemble code around an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := disasm.ParseAddress(args[0]); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *debug.Session, out io.Writer, _ <-chan coreStop) error {
			if err := checkCore(s); err != nil {
				return err
			}
			var lines []dap.DisassembledInstruction
			err := s.Cores().PerformOnCore(ctx, flags.core, func(ctx context.Context) error {
				var err error
				lines, err = s.Disassembly().Fetch(ctx, args[0], disasmLines, 0, disasmOffset)
				return err
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, l := range lines {
				loc := ""
				if l.Location != nil {
					loc = fmt.Sprintf("%s:%d", l.Location.Path, l.Line)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.Address, l.InstructionBytes, l.Instruction, loc)
			}
			return tw.Flush()
		})
	},
}

var memoryCmd = &cobra.Command{
	Use:   "memory <address> <count>",
	Short: "Dump target memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := disasm.ParseAddress(args[0])
		if err != nil {
			return err
		}
		count, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil || count <= 0 {
			return fmt.Errorf("invalid count %q", args[1])
		}
		return withSession(cmd, func(ctx context.Context, s *debug.Session, out io.Writer, _ <-chan coreStop) error {
			loc := cspy.Location{Zone: cspy.DefaultCodeZone, Address: addr}
			data, err := s.Memory().Read(ctx, loc, 1, int32(count))
			if err != nil {
				return err
			}
			fmt.Fprint(out, hex.Dump(data))
			return nil
		})
	},
}

func init() {
	stackCmd.Flags().IntVar(&stackDepth, "depth", 0, "Maximum number of frames (0 for all)")
	localsCmd.Flags().IntVar(&localsFrame, "frame", 0, "Frame index, 0 being the innermost")
	disasmCmd.Flags().IntVar(&disasmLines, "lines", 20, "Number of instructions")
	disasmCmd.Flags().IntVar(&disasmOffset, "line-offset", 0, "Instructions to start before (negative) or after the address")
}

// printVariables prints one variable per line, marking expandable values.
func printVariables(out io.Writer, vars []dap.Variable) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, v := range vars {
		name := v.Name
		if v.VariablesReference != 0 {
			name += " +"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, strings.TrimSpace(v.Value), v.Type)
	}
	_ = tw.Flush()
}

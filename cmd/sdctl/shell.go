package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"sdcard-go/bus"
	"sdcard-go/x/logx"
)

// detectPin is the emulated slot's card-detect line while watching.
const detectPin = 20

func shellCmd(e *env) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Read commands from stdin against one mounted card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if watch {
				e.detect = detectPin
			}
			c, err := e.open(ctx)
			if err != nil {
				return err
			}
			if watch {
				log := logx.For(logx.ComponentPlatform)
				go func() {
					if err := e.emu.Watch(ctx); err != nil && ctx.Err() == nil {
						log.Warn("image watch stopped", "err", err)
					}
				}()
				go c.Run(ctx, bus.NewBus(16).NewConnection("sdctl"))
			}
			return runShell(ctx, e, os.Stdin)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "eject and reinsert the card as the image file comes and goes")
	return cmd
}

// runShell executes one command line per input line until EOF or "exit".
func runShell(ctx context.Context, e *env, in io.Reader) error {
	sc := bufio.NewScanner(in)
	prompt := func() { fmt.Fprint(e.out, "sd> ") }
	prompt()
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		args, err := splitLine(sc.Text())
		switch {
		case err != nil:
			fmt.Fprintln(e.out, "error:", err)
		case len(args) == 0:
		case args[0] == "exit" || args[0] == "quit":
			return nil
		default:
			if err := runLine(ctx, e, args); err != nil {
				fmt.Fprintln(e.out, "error:", err)
			}
		}
		prompt()
	}
	return sc.Err()
}

// splitLine tokenises like a POSIX shell; '#' starts a comment.
func splitLine(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	return shlex.Split(line)
}

// runLine builds a fresh command tree per line so flag values never leak
// from one line to the next.
func runLine(ctx context.Context, e *env, args []string) error {
	root := &cobra.Command{
		Use:           "sd>",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(e.out)
	root.SetErr(e.out)
	root.AddCommand(fileCommands(e)...)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

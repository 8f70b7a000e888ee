package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sdcard-go/services/sdcard"
	"sdcard-go/types"
)

func infoCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show card identity and component state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			out := struct {
				State types.ComponentState `json:"state"`
				Card  *types.CardInfo      `json:"card,omitempty"`
			}{State: c.State()}
			if info, err := c.CardInfo(); err == nil {
				out.Card = &info
			}
			enc := json.NewEncoder(e.out)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func dfCmd(e *env) *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "df",
		Short: "Show total, used and free space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := types.ParseMemoryUnit(unit)
			if err != nil {
				return err
			}
			c, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			usage, err := c.QueryUsage()
			if err != nil {
				return err
			}
			e.printf("total %.2f %s\nused  %.2f %s\nfree  %.2f %s\n",
				types.ConvertBytes(usage.TotalBytes, u), u,
				types.ConvertBytes(usage.UsedBytes, u), u,
				types.ConvertBytes(usage.FreeBytes, u), u)
			return nil
		},
	}
	cmd.Flags().StringVarP(&unit, "unit", "u", "MB", "B|KB|MB|GB|TB|PB")
	return cmd
}

func lsCmd(e *env) *cobra.Command {
	var depth int
	var pattern string
	cmd := &cobra.Command{
		Use:   "ls [dir]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			dir := c.MountPoint()
			if len(args) == 1 {
				dir = args[0]
			}
			list, err := c.ListDirectory(cmd.Context(), dir, depth, pattern)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			for _, fi := range list {
				if fi.IsDir {
					fmt.Fprintf(tw, "d\t-\t%s/\n", fi.Path)
					continue
				}
				fmt.Fprintf(tw, "-\t%d\t%s\n", fi.Size, fi.Path)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&depth, "depth", "d", 0, "recursion depth")
	cmd.Flags().StringVarP(&pattern, "pattern", "p", "", "glob filter on entry names")
	return cmd
}

func writeCmd(e *env, appendTo bool) *cobra.Command {
	var from string
	use, short := "write <path> [text]", "Create or replace a file"
	if appendTo {
		use, short = "append <path> [text]", "Append to a file, creating it if needed"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case from != "":
				b, err := readHost(e, from)
				if err != nil {
					return err
				}
				data = b
			case len(args) == 2:
				data = []byte(args[1])
			default:
				return fmt.Errorf("nothing to write: give text or --from")
			}
			c, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			if appendTo {
				return c.AppendFile(cmd.Context(), args[0], data)
			}
			return c.WriteFile(cmd.Context(), args[0], data)
		},
	}
	cmd.Flags().StringVarP(&from, "from", "f", "", "host file to copy from (- for stdin)")
	return cmd
}

func readHost(e *env, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func catCmd(e *env) *cobra.Command {
	var offset int64
	var buffer int
	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Stream a file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			s, err := c.ReadFileStream(cmd.Context(), args[0], offset, buffer)
			if err != nil {
				return err
			}
			for chunk, err := range s.All(cmd.Context()) {
				if err != nil {
					return err
				}
				if _, err := e.out.Write(chunk); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "start offset")
	cmd.Flags().IntVar(&buffer, "buffer", 0, "chunk size (default 512)")
	return cmd
}

// pathCmd builds the single-path commands.
func pathCmd(e *env, use, short string, run func(c *sdcard.Component, cmd *cobra.Command, p string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <path>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			return run(c, cmd, args[0])
		},
	}
}

func rmCmd(e *env) *cobra.Command {
	return pathCmd(e, "rm", "Delete a file", func(c *sdcard.Component, cmd *cobra.Command, p string) error {
		return c.DeleteFile(cmd.Context(), p)
	})
}

func mkdirCmd(e *env) *cobra.Command {
	return pathCmd(e, "mkdir", "Create a directory", func(c *sdcard.Component, cmd *cobra.Command, p string) error {
		return c.CreateDirectory(cmd.Context(), p)
	})
}

func rmdirCmd(e *env) *cobra.Command {
	return pathCmd(e, "rmdir", "Remove an empty directory", func(c *sdcard.Component, cmd *cobra.Command, p string) error {
		return c.RemoveDirectory(cmd.Context(), p)
	})
}

func sumCmd(e *env) *cobra.Command {
	return pathCmd(e, "sum", "Print the xxhash64 of a file", func(c *sdcard.Component, cmd *cobra.Command, p string) error {
		h, err := c.Checksum(cmd.Context(), p)
		if err != nil {
			return err
		}
		e.printf("%016x  %s\n", h, p)
		return nil
	})
}

func mkimageCmd(e *env) *cobra.Command {
	var size string
	cmd := &cobra.Command{
		Use:   "mkimage",
		Short: "Create a blank card image (see --format)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := parseSize(size)
			if err != nil {
				return err
			}
			if err := sdcard.CreateImage(e.fs, e.image, n); err != nil {
				return err
			}
			e.printf("created %s (%d bytes)\n", e.image, n)
			if !e.format {
				return nil
			}
			c, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			e.printf("formatted, mounted at %s\n", c.MountPoint())
			return nil
		},
	}
	cmd.Flags().StringVarP(&size, "size", "s", "64m", "image size (k/m/g suffix)")
	return cmd
}

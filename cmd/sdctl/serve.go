package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"sdcard-go/services/sdcard/config"
	"sdcard-go/services/sdcard/fileserver"
)

func serveCmd(e *env) *cobra.Command {
	var addr string
	fs := config.DefaultFileServer()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Browse, download, upload and delete card files over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := e.open(ctx)
			if err != nil {
				return err
			}
			// A file_server block in --config wins over unset flags.
			if fc := c.Config().FileServer; fc != nil {
				fl := cmd.Flags()
				if !fl.Changed("prefix") {
					fs.URLPrefix = fc.URLPrefix
				}
				if !fl.Changed("root") {
					fs.RootPath = fc.RootPath
				}
				if !fl.Changed("delete") {
					fs.EnableDeletion = fc.EnableDeletion
				}
				if !fl.Changed("download") {
					fs.EnableDownload = fc.EnableDownload
				}
				if !fl.Changed("upload") {
					fs.EnableUpload = fc.EnableUpload
				}
			}
			srv := fileserver.New(c, fs)

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			if e.emu != nil {
				go e.emu.Watch(ctx)
			}
			e.printf("serving %s at http://%s%s/\n", c.MountPoint(), ln.Addr(), srv.Prefix())
			return serveUntil(ctx, ln, srv)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	f.StringVar(&fs.URLPrefix, "prefix", fs.URLPrefix, "URL path prefix")
	f.StringVar(&fs.RootPath, "root", fs.RootPath, "card directory served as the top level")
	f.BoolVar(&fs.EnableDownload, "download", fs.EnableDownload, "allow file downloads")
	f.BoolVar(&fs.EnableUpload, "upload", fs.EnableUpload, "allow uploads")
	f.BoolVar(&fs.EnableDeletion, "delete", fs.EnableDeletion, "allow deletion")
	return cmd
}

// serveUntil runs h on ln until ctx ends, then drains for a few seconds.
func serveUntil(ctx context.Context, ln net.Listener, h http.Handler) error {
	hs := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

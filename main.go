package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	log "github.com/fclairamb/go-log"
	gologrus "github.com/fclairamb/go-log/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/swaggy-yolo-united/sampler/pkg/fatfs"
)

func main() {
	app := newApp(afero.NewOsFs())
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sampler:", err)
		os.Exit(1)
	}
}

func newApp(fsys afero.Fs) *cli.App {
	return &cli.App{
		Name:        appName,
		Usage:       "read files from a FAT formatted SD card on a shared SPI bus",
		Description: "the card is simulated on top of a disk image; every access goes through the SPI protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{envVarPrefix + "_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "disk image backing the card, overrides the configuration",
			},
		},
		Commands: []*cli.Command{{
			Name:      "cat",
			Usage:     "print a file from the root directory",
			ArgsUsage: "NAME",
			Action: withBoard(fsys, func(b *Board, ctx *cli.Context) error {
				if ctx.NArg() != 1 {
					return cli.Exit("cat takes exactly one file name", 2)
				}
				data, err := b.ReadFile(ctx.Args().First())
				if err != nil {
					return err
				}
				_, err = ctx.App.Writer.Write(data)
				return err
			}),
		}, {
			Name:    "ls",
			Aliases: []string{"dir"},
			Usage:   "list the root directory",
			Action: withBoard(fsys, func(b *Board, ctx *cli.Context) error {
				return list(b, ctx)
			}),
		}, {
			Name:  "info",
			Usage: "describe the card and the volume",
			Action: withBoard(fsys, func(b *Board, ctx *cli.Context) error {
				return info(b, ctx)
			}),
		}, {
			Name:  "serve",
			Usage: "share the card over the network, read-only",
			Subcommands: []*cli.Command{{
				Name:  "ftp",
				Usage: "serve the volume over FTP",
				Action: withBoard(fsys, func(b *Board, ctx *cli.Context) error {
					return serveFTP(b, ctx)
				}),
			}, {
				Name:  "webdav",
				Usage: "serve the volume over WebDAV below /mount",
				Action: withBoard(fsys, func(b *Board, ctx *cli.Context) error {
					return serveWebDAV(b, ctx)
				}),
			}},
		}},
	}
}

type boardAction func(b *Board, ctx *cli.Context) error

func withBoard(fsys afero.Fs, action boardAction) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cfg, err := LoadConfig(fsys, ctx.String("config"))
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if image := ctx.String("image"); image != "" {
			cfg.Image = image
		}
		b, err := NewBoard(cfg, fsys, newLogger(cfg))
		if err != nil {
			return err
		}
		defer b.Close()
		return action(b, ctx)
	}
}

func newLogger(cfg *Config) log.Logger {
	return gologrus.NewWrap(newLogrus(cfg))
}

func list(b *Board, ctx *cli.Context) error {
	fsys, err := b.Mount()
	if err != nil {
		return err
	}
	defer fsys.Unmount()

	infos, err := afero.ReadDir(fsys, "/")
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 8, 2, ' ', 0)
	for _, fi := range infos {
		entry, _ := fi.Sys().(fatfs.DirEntry)
		kind := "-"
		if fi.IsDir() {
			kind = "d"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			kind, fi.Size(), fi.ModTime().Format("2006-01-02 15:04"), entry.ShortName, fi.Name())
	}
	return w.Flush()
}

func info(b *Board, ctx *cli.Context) error {
	fsys, err := b.Mount()
	if err != nil {
		return err
	}
	defer fsys.Unmount()

	vi, err := fsys.Info()
	if err != nil {
		return err
	}
	card := b.Card()
	w := tabwriter.NewWriter(ctx.App.Writer, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "card\t%s\n", card.Type())
	fmt.Fprintf(w, "capacity\t%d bytes (%d sectors)\n", card.NumBytes(), card.GetSectorCount())
	fmt.Fprintf(w, "volume\t%d at sector %d, %d sectors\n", vi.Idx, vi.StartSector, vi.Sectors)
	fmt.Fprintf(w, "type\t%s\n", vi.Type)
	fmt.Fprintf(w, "label\t%s\n", vi.Label)
	fmt.Fprintf(w, "oem\t%s\n", vi.OEMName)
	fmt.Fprintf(w, "serial\t%08X\n", vi.Serial)
	fmt.Fprintf(w, "clusters\t%d x %d bytes\n", vi.Clusters, vi.ClusterSize)
	return w.Flush()
}

// untilSignal returns a context cancelled on SIGINT or SIGTERM.
func untilSignal(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serveFTP(b *Board, ctx *cli.Context) error {
	fsys, err := b.Mount()
	if err != nil {
		return err
	}
	defer fsys.Unmount()

	sigCtx, stop := untilSignal(ctx.Context)
	defer stop()
	go b.RunControlPoller(sigCtx, b.cfg.ControlPoll)

	srv := newFTPServer(b.cfg.FTPAddr, fatfs.AsAfero(fsys), b.logger)
	go func() {
		<-sigCtx.Done()
		srv.Stop()
	}()
	b.logger.Info("Serving FTP", "addr", b.cfg.FTPAddr)
	return srv.ListenAndServe()
}

func serveWebDAV(b *Board, ctx *cli.Context) error {
	fsys, err := b.Mount()
	if err != nil {
		return err
	}
	defer fsys.Unmount()

	ln, err := net.Listen("tcp", b.cfg.WebDAVAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	sigCtx, stop := untilSignal(ctx.Context)
	defer stop()
	go b.RunControlPoller(sigCtx, b.cfg.ControlPoll)
	go func() {
		<-sigCtx.Done()
		_ = ln.Close()
	}()

	access := newLogrus(b.cfg).Writer()
	defer access.Close()
	b.logger.Info("Serving WebDAV", "addr", ln.Addr().String())
	err = Serve(ln, fatfs.AsAfero(fsys), b.logger, access)
	if sigCtx.Err() != nil {
		return nil
	}
	return err
}

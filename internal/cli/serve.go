package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/bpicori/watchkeep/internal/config"
	"github.com/bpicori/watchkeep/internal/dashboard"
	"github.com/bpicori/watchkeep/internal/telemetry"
)

type serveFlags struct {
	common       commonFlags
	addr         string
	telemetryDir string

	fs *pflag.FlagSet
}

func parseServeFlags(args []string, stderr io.Writer) (*serveFlags, int) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	f := &serveFlags{fs: fs}
	f.common.register(fs)
	fs.StringVarP(&f.addr, "addr", "a", "", "Listen address (default 127.0.0.1:5000)")
	fs.StringVar(&f.telemetryDir, "telemetry-dir", "", "Directory holding telemetry records (default logs)")
	fs.Usage = usageFunc(fs, stderr,
		"watchkeep serve [options]",
		"Serve stored telemetry, analytics and Prometheus metrics over HTTP.",
		"watchkeep serve",
		"watchkeep serve --addr :8080 --telemetry-dir /var/log/watchkeep",
	)

	if code := parseFlags(fs, args, stderr); code >= 0 {
		return nil, code
	}
	if len(fs.Args()) > 0 {
		fmt.Fprintf(stderr, "Error: unexpected arguments %v\n\n", fs.Args())
		fs.Usage()
		return nil, 2
	}
	return f, 0
}

// ServeCmd executes the "serve" subcommand.
func ServeCmd(args []string) int {
	f, code := parseServeFlags(args, os.Stderr)
	if f == nil {
		return code
	}

	var o config.Overrides
	f.common.overrides(f.fs, &o)
	if f.fs.Changed("addr") {
		o.Addr = &f.addr
	}
	if f.fs.Changed("telemetry-dir") {
		o.TelemetryDir = &f.telemetryDir
	}
	cfg, err := resolveConfig(f.common.configPath, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := dashboard.New(telemetry.NewStore(cfg.Telemetry.Dir, cfg.Telemetry.Compress), dashboard.Options{
		RecentRuns: cfg.Serve.RecentRuns,
		Logger:     log.Named("dashboard"),
	})
	if err := srv.ListenAndServe(ctx, cfg.Serve.Addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

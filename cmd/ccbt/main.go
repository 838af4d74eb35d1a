package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prxssh/ccbt/internal/config"
	"github.com/prxssh/ccbt/internal/session"
	"github.com/prxssh/ccbt/pkg/utils/logging"
	flag "github.com/spf13/pflag"
)

func main() {
	var (
		torrentPath = flag.StringP("torrent", "t", "", "path to a .torrent file to download")
		downloadDir = flag.StringP("download-dir", "d", "", "directory to save downloaded files (defaults to config)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		noColor     = flag.Bool("no-color", false, "disable colored log output")
	)
	flag.Parse()

	setupLogger(*logLevel, !*noColor)

	if err := config.Init(); err != nil {
		slog.Error("failed to initialize config", "error", err.Error())
		os.Exit(1)
	}

	if *torrentPath == "" {
		slog.Error("missing required flag --torrent")
		os.Exit(1)
	}

	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		slog.Error("failed to read torrent file", "path", *torrentPath, "error", err.Error())
		os.Exit(1)
	}

	dir := *downloadDir
	if dir == "" {
		dir = config.Load().DefaultDownloadDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := session.NewClient()
	client.Startup(ctx)

	s, err := client.AddTorrent(data, dir)
	if err != nil {
		slog.Error("failed to add torrent", "error", err.Error())
		os.Exit(1)
	}

	slog.Info("torrent added", "name", s.Metainfo.Info.Name, "download_dir", dir)

	<-ctx.Done()
	s.Stop()
}

func setupLogger(level string, useColor bool) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = parseLevel(level)
	opts.SlogOpts.AddSource = false
	opts.UseColor = useColor

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

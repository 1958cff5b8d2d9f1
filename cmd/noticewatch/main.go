// Command noticewatch watches a school's notice archive and posts new and
// updated notices to a chat.
//
// Usage:
//
//	noticewatch -config noticewatch.yaml                 # run forever
//	noticewatch -config noticewatch.yaml -test           # print messages instead of sending
//	noticewatch -config noticewatch.yaml -once -mode verification
//	noticewatch -config noticewatch.yaml -status                 # journal summary as JSON
//	noticewatch -config noticewatch.yaml -history <notice url>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/noticewatch/circulars"
	"github.com/hazyhaar/noticewatch/watch"
)

func main() {
	configPath := flag.String("config", "noticewatch.yaml", "path to the YAML config file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	once := flag.Bool("once", false, "run a single cycle and exit")
	mode := flag.String("mode", "", "force every cycle to discovery or verification")
	testMode := flag.Bool("test", false, "write messages to stdout instead of the configured sink")
	status := flag.Bool("status", false, "print the last heartbeat and cycles from the journal and exit")
	history := flag.String("history", "", "print the delivery history of a notice from the journal and exit")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if *status || *history != "" {
		err = printStatus(ctx, *configPath, *history)
	} else {
		err = run(ctx, logger, *configPath, *mode, *once, *testMode)
	}
	if err != nil {
		logger.Error("noticewatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, mode string, once, testMode bool) error {
	var mods []func(*circulars.Config)
	if testMode {
		mods = append(mods, func(c *circulars.Config) { c.Sink.Type = "stdout" })
	}
	cfg, err := circulars.LoadConfig(configPath, mods...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var opts []circulars.Option
	if mode != "" {
		m, err := watch.ParseMode(mode)
		if err != nil {
			return err
		}
		opts = append(opts, circulars.WithForceMode(m))
	}

	svc, err := circulars.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	logger.Info("noticewatch: starting",
		"version", circulars.Version,
		"listing", cfg.Listing.URL,
		"sink", cfg.Sink.Type,
		"interval", cfg.Interval,
		"verify_every", cfg.VerifyEvery)

	if once {
		svc.RunOnce(ctx)
		if st := svc.Stats(); st.Failures > 0 {
			return fmt.Errorf("cycle failed")
		}
		return nil
	}
	return svc.Run(ctx)
}

func printStatus(ctx context.Context, configPath, identity string) error {
	// Reading the journal needs no chat credentials.
	cfg, err := circulars.LoadConfig(configPath, func(c *circulars.Config) { c.Sink.Type = "stdout" })
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := circulars.ReadStatus(ctx, cfg, 20, identity)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

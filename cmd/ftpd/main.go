// Command ftpd runs the FTP server.
//
// The same binary is re-executed as the jail helper for every filesystem
// operation; that mode is selected by the environment, not by flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gonzalop/ftpd/internal/config"
	"github.com/gonzalop/ftpd/internal/jail"
	"github.com/gonzalop/ftpd/internal/logging"
	"github.com/gonzalop/ftpd/server"
)

const defaultConfigPath = "/etc/ftpd/ftpd.toml"

// shutdownTimeout bounds how long running transfers get to end after a
// signal.
const shutdownTimeout = 10 * time.Second

func main() {
	if jail.IsHelper() {
		os.Exit(jail.Main())
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var debug, checkConfig bool

	flagSet := pflag.NewFlagSet("ftpd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", defaultConfigPath, "settings file (.toml, .yaml or .yml)")
	flagSet.BoolVarP(&debug, "debug", "d", false, "log at debug level regardless of the settings file")
	flagSet.BoolVar(&checkConfig, "check-config", false, "load and validate the settings file, then exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	// Settings warnings are reported before the configured logger exists.
	bootLogger := logging.Category(slog.New(slog.NewTextHandler(os.Stderr, nil)), logging.CategoryConfig)
	cfg, err := config.Load(configPath, bootLogger)
	if err != nil {
		return err
	}
	if checkConfig {
		fmt.Fprintf(os.Stdout, "%s: OK\n", configPath)
		return nil
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	logger, closer, err := logging.New(logging.Options{Level: level, File: cfg.Logging.File})
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	srv, err := server.NewServer(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx) }()

	select {
	case err = <-errc:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("shutdown incomplete", "error", serr)
		}
		err = <-errc
	}

	if errors.Is(err, server.ErrServerClosed) {
		return nil
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `ftpd serves host accounts over FTP.

Every filesystem operation runs in a short-lived helper process that drops
to the logged-in user's identity, confined to the user's home directory
when users.chroot is set.

Usage: ftpd [flags]

Flags:
`)
	flagSet.PrintDefaults()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmcdole/citypack/internal/config"
	"github.com/mmcdole/citypack/internal/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

const usage = `Usage: citypack [flags] <command> [args]

Commands:
  sync <city>...       download city packs for offline use
  ready <city>         report install readiness of a city
  ready --watch <city> open the city page and report readiness until ready
  status               list downloaded cities and cache usage
  remove <city>        delete a city's offline data
  updates [--apply]    check downloaded cities for newer content
  retry                run due retries of failed syncs
  verify <city>        check a city's worker scope, partitions and manifest
  agent                host workers behind a caching proxy

Flags:
`

func main() {
	var showVersion, verbose bool
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.BoolVar(&verbose, "verbose", false, "log to stderr")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("citypack %s\n", Version)
		return
	}

	if err := run(flag.Args(), verbose, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, verbose bool, out io.Writer) error {
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("missing command")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	var logger *slog.Logger
	if verbose {
		logger = logging.StderrLogger("DEBUG")
	} else {
		var closer io.Closer
		logger, closer, err = logging.SetupLogger(&cfg.Logging)
		if err != nil {
			// Fall back to null logger if file logging fails
			logger = logging.NullLogger()
		} else {
			defer closer.Close()
		}
	}
	slog.SetDefault(logger)

	logger.Info("starting citypack", "version", Version, "command", args[0])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, out)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.dispatch(ctx, args[0], args[1:])
}

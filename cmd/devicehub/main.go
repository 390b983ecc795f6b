package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"devicehub/internal/app"
	"devicehub/internal/config"
	"devicehub/pkg/contracts"
)

type options struct {
	configPath string
	addr       string
	dataDir    string
	logLevel   string
	version    bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if opts.version {
		info := contracts.GetVersionInfo()
		fmt.Fprintf(stdout, "%s %s (%s)\n", config.AppName, info.Version, info.GoVersion)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet(config.AppName, pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&opts.addr, "addr", "", "listen address as host:port (overrides server.host/port)")
	flagSet.StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides paths.data_dir)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flagSet.BoolVar(&opts.version, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

// loadConfig reads the config file and environment, then applies flag
// overrides on top.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.addr != "" {
		host, portStr, err := net.SplitHostPort(opts.addr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr %q: %w", opts.addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr port %q: %w", portStr, err)
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if opts.dataDir != "" {
		cfg.SetDataDir(opts.dataDir)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config       string `long:"config" short:"c" description:"supervisor configuration file (YAML)"`
	DesiredState string `long:"desired-state" description:"desired-state document, overrides the configuration file"`
	Control      string `long:"control" description:"control address, unix:///path or 127.0.0.1:port"`
	LogLevel     string `long:"log-level" description:"debug, info, warn or error"`
	RunDuration  int    `long:"run-duration" description:"seconds to run before shutting down, 0 runs forever"`
	Autostart    bool   `long:"autostart" description:"start the desired state without waiting for a start command"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if opts.Config != "" {
		cfg, err = config.LoadFromFile(opts.Config)
		if err != nil {
			fmt.Printf("Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if opts.DesiredState != "" {
		cfg.DesiredState = opts.DesiredState
	}
	if opts.Control != "" {
		cfg.Supervisor.ControlAddress = opts.Control
	}
	if opts.LogLevel != "" {
		cfg.Supervisor.LogLevel = opts.LogLevel
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = cfg.Supervisor.LogLevel
	zapConfig.Format = cfg.Supervisor.LogFormat
	zapConfig.File = cfg.Supervisor.LogFile
	zapConfig.MaxSizeMB = cfg.Logs.MaxSizeMB
	zapConfig.MaxBackups = cfg.Logs.MaxBackups
	zapConfig.MaxAgeDays = cfg.Logs.MaxAgeDays
	zapConfig.Compress = cfg.Logs.Compress

	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()

	logger := backend.Logger(logPrefix("hsu-supervisor"))
	logger.Infof("opts: %+v", opts)

	runOptions := supervisor.RunOptions{
		RunDuration: opts.RunDuration,
		Autostart:   opts.Autostart,
	}
	if err := supervisor.Run(cfg, runOptions, logger); err != nil {
		logger.Errorf("Supervisor failed: %v", err)
		_ = backend.Sync()
		os.Exit(1)
	}
}

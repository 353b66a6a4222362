package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Control     string        `long:"control" description:"supervisor control address" default:"127.0.0.1:8499"`
	ReplyTarget string        `long:"reply-target" description:"address that also receives every notification line"`
	Timeout     time.Duration `long:"timeout" description:"how long to wait for the operation" default:"60s"`
	Verbose     bool          `long:"verbose" short:"v" description:"debug logging"`

	Args struct {
		Operation string `positional-arg-name:"operation" description:"start, stop, stop-one, restart-one, refresh or status" required:"yes"`
		Name      string `positional-arg-name:"name" description:"process name for stop-one and restart-one"`
	} `positional-args:"yes"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
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

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = "warn"
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer backend.Sync()
	logger := backend.Logger(logPrefix("hsu-supervisor"))

	cmd, err := domain.DecodeCommand(domain.ControlMessage{Kind: opts.Args.Operation, Name: opts.Args.Name})
	if err != nil {
		fmt.Printf("Invalid operation: %v\n", err)
		os.Exit(1)
	}

	address := opts.Control
	if address == "" {
		address = config.DefaultControlAddress
	}
	client, err := control.Dial(address, logger)
	if err != nil {
		fmt.Printf("Failed to connect to supervisor: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if _, ok := cmd.(domain.StatusCommand); ok {
		document, err := client.Status(ctx, opts.ReplyTarget)
		if err != nil {
			fmt.Printf("Status failed: %v\n", err)
			os.Exit(1)
		}
		for _, name := range document.Names() {
			fmt.Println(document[name].String(name))
		}
		return
	}

	err = client.Execute(ctx, cmd, opts.ReplyTarget, func(n domain.Notification) {
		fmt.Println(n.Message)
	})
	if err != nil {
		fmt.Printf("%s failed: %v\n", cmd.Kind(), err)
		os.Exit(1)
	}
}

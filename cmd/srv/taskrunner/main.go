package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethchange/taskrunner/pkg/logging/zaplogging"
	"github.com/ethchange/taskrunner/pkg/taskrunner"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	RunServices bool `long:"run-services" description:"Also start the background services before the task"`
	Reformat    bool `long:"reformat" description:"Run the source formatters before starting the server"`
	Flush       bool `long:"flush" description:"Reset and reseed the data store before starting the server"`

	Config              string `long:"config" short:"c" description:"Settings file path (YAML), defaults to settings.yaml in the base directory"`
	Secrets             string `long:"secrets" description:"Secrets file path (YAML), defaults to .secrets.yaml in the base directory"`
	Env                 string `long:"env" env:"APP_MODE" default:"development" description:"Settings environment (development, production)"`
	BaseDir             string `long:"base-dir" description:"Project base directory, defaults to the current directory"`
	LogLevel            string `long:"log-level" description:"Override the log level (debug, info, warn, error)"`
	AllowCommandFailure bool   `long:"allow-command-failure" description:"Log failed setup commands instead of aborting"`
	NoWait              bool   `long:"no-wait" description:"Leave launched processes running and return immediately"`
	MetricsAddr         string `long:"metrics-addr" description:"Serve Prometheus metrics on this address"`

	Args struct {
		Task string `positional-arg-name:"task" description:"runserver, runservices or reformat"`
	} `positional-args:"yes" required:"yes"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	task, err := taskrunner.ParseTask(opts.Args.Task)
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}

	backend, err := zaplogging.New(zaplogging.Config{Level: opts.LogLevel})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger := backend.NewLogger(logPrefix("taskrunner"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	_, err = taskrunner.Run(ctx, taskrunner.Options{
		Task:                task,
		RunServices:         opts.RunServices,
		Reformat:            opts.Reformat,
		Flush:               opts.Flush,
		ConfigFile:          opts.Config,
		SecretsFile:         opts.Secrets,
		Env:                 opts.Env,
		BaseDir:             opts.BaseDir,
		LogLevel:            opts.LogLevel,
		AllowCommandFailure: opts.AllowCommandFailure,
		NoWait:              opts.NoWait,
		MetricsAddr:         opts.MetricsAddr,
	}, backend, logger)
	stop()

	if err != nil {
		logger.Errorf("Failed to run: %v", err)
		_ = backend.Close()
		os.Exit(1)
	}
	_ = backend.Close()
}

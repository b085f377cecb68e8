package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nmstate-agent/internal/domain/constants"
	"nmstate-agent/internal/infrastructure/config"
	"nmstate-agent/internal/infrastructure/container"
	"nmstate-agent/internal/infrastructure/metrics"
	"nmstate-agent/internal/infrastructure/tracing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// version is overridden at build time
var version = "0.1.0"

func main() {
	app := newApp(os.Stdin, os.Stdout, os.Stderr)
	os.Exit(app.execute(os.Args[1:]))
}

// app holds the process-wide state shared by every command
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logLevel string
	output   string
	jsonOut  bool

	logger    *logrus.Logger
	container *container.Container
	tracer    *tracing.Provider
	// loadConfig is replaced in tests
	loadConfig func() (*config.Config, error)
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	// stdout carries command results only
	logger.SetOutput(stderr)

	return &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
		loadConfig: func() (*config.Config, error) {
			return config.NewEnvironmentConfigLoader().Load()
		},
	}
}

// execute runs the command line and returns the process exit code
func (a *app) execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := a.buildRootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return exitOK
	}
	return a.fail(err)
}

// setup loads configuration and builds the container. Runs before every command.
func (a *app) setup(cmd *cobra.Command) error {
	a.configureLogLevel()

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	provider, err := tracing.Setup(tracing.Config{
		Exporter:       cfg.Tracing.Exporter,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		HostName:       cfg.Agent.HostName,
		Writer:         a.stderr,
	})
	if err != nil {
		return err
	}
	a.tracer = provider

	c, err := container.NewContainer(cfg, a.logger)
	if err != nil {
		return err
	}
	a.container = c

	metrics.SetAgentInfo(version, c.GetBackend().Name(), cfg.Agent.HostName)
	a.logger.WithFields(logrus.Fields{
		"command": cmd.CommandPath(),
		"backend": c.GetBackend().Name(),
		"host":    cfg.Agent.HostName,
	}).Debug("Agent initialized")
	return nil
}

func (a *app) configureLogLevel() {
	levelStr := a.logLevel
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}
	if levelStr == "" {
		levelStr = constants.DefaultLogLevel
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		a.logger.WithError(err).Warnf("Unknown log level value: %s. Using default Info level.", levelStr)
		level = logrus.InfoLevel
	}
	a.logger.SetLevel(level)
}

func (a *app) close() {
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("Failed to flush traces")
		}
		a.tracer = nil
	}
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			a.logger.WithError(err).Error("Failed to cleanup container")
		}
		a.container = nil
	}
}

// fail reports err in the selected output format and maps it to an exit code
func (a *app) fail(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	if a.format() == formatJSON {
		if werr := writeJSON(a.stdout, errorReport(err)); werr != nil {
			a.logger.WithError(werr).Error("Failed to write error report")
		}
	} else {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
	}
	return exitCodeFor(err)
}

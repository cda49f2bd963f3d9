// Command skiff is the agent deployment controller CLI.
//
// Usage:
//
//	skiff serve --config skiff.yaml
//	skiff agent --manifest agent.toml
//	skiff version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	skiff "github.com/skiffhq/skiff"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/logger"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStartupError  = 2
	exitForcedTimeout = 3
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the deployment controller."`
	Agent   AgentCmd   `cmd:"" help:"Run the built-in agent runtime for one manifest."`

	Config    string `short:"c" help:"Path to controller config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(skiff.GetVersion().String())
	return nil
}

// exitError carries a process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error  { return &exitError{code: exitConfigError, err: err} }
func startupError(err error) error { return &exitError{code: exitStartupError, err: err} }

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("skiff"),
		kong.Description("Skiff - multi-tenant AI agent deployment controller"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer cleanup()

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit *exitError
		if errors.As(err, &exit) {
			cleanup()
			os.Exit(exit.code)
		}
		cleanup()
		os.Exit(exitStartupError)
	}
}

// initLogger applies CLI flag > env var > default for each logging knob.
func initLogger(levelStr, file, format string) (func(), error) {
	if v := os.Getenv("LOG_LEVEL"); levelStr == "info" && v != "" {
		levelStr = v
	}
	if file == "" {
		file = os.Getenv("LOG_FILE")
	}
	if v := os.Getenv("LOG_FORMAT"); format == "simple" && v != "" {
		format = v
	}

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, err
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

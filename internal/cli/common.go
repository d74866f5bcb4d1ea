package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/config"
	"github.com/bpicori/watchkeep/internal/logger"
)

// commonFlags are accepted by every subcommand that reads configuration.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "Load configuration from YAML file (default $"+config.EnvPath+")")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.StringVar(&c.logFormat, "log-format", "", "Log format: console or json")
}

// overrides records the common flags the user actually passed.
func (c *commonFlags) overrides(fs *pflag.FlagSet, o *config.Overrides) {
	if fs.Changed("log-level") {
		o.LogLevel = &c.logLevel
	}
	if fs.Changed("log-format") {
		o.LogFormat = &c.logFormat
	}
}

// resolveConfig layers defaults, the config file and the flag overrides.
func resolveConfig(path string, o config.Overrides) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Apply(o); err != nil {
		return cfg, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return log, nil
}

// parseFlags parses args into fs. It returns -1 to continue, or the exit
// code to return (0 after --help, 2 on a bad flag).
func parseFlags(fs *pflag.FlagSet, args []string, stderr io.Writer) int {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	return -1
}

func usageFunc(fs *pflag.FlagSet, stderr io.Writer, synopsis, description string, examples ...string) func() {
	return func() {
		fmt.Fprintf(stderr, "Usage: %s\n\n", synopsis)
		fmt.Fprintf(stderr, "%s\n\n", description)
		fmt.Fprintf(stderr, "Options:\n")
		fmt.Fprint(stderr, fs.FlagUsages())
		if len(examples) > 0 {
			fmt.Fprintf(stderr, "\nExamples:\n")
			for _, ex := range examples {
				fmt.Fprintf(stderr, "  %s\n", ex)
			}
		}
	}
}

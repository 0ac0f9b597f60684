// Command evoprompt drives the prompt improvement loop from the shell.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/teilomillet/evoprompt"
	"github.com/teilomillet/evoprompt/config"
	"github.com/teilomillet/evoprompt/utils"
)

type rootFlags struct {
	configPath string
	workDir    string
	backend    string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "evoprompt",
		Short: "Iteratively improve prompts with a student and a teacher model",
		Long: `evoprompt runs a stored prompt through a student model, asks a teacher
model to score the output, and proposes the next version of the prompt.

Configuration is read from an optional YAML file and EVO_ environment
variables (EVO_STUDENT_MODEL, EVO_TEACHER_BASE_URL, EVO_CACHE_TTL, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	pf.StringVar(&flags.workDir, "workdir", "", "root directory for prompts, logs, results and cache")
	pf.StringVar(&flags.backend, "backend", "", "generation backend for both models (http, openai, mock)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (off, error, warn, info, debug)")

	rootCmd.AddCommand(
		initCmd(flags),
		runCmd(flags),
		listCmd(flags),
		showCmd(flags),
		historyCmd(flags),
		exportCmd(flags),
		rollbackCmd(flags),
		providersCmd(),
	)
	return rootCmd
}

// loadConfig applies command-line overrides on top of file and environment.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	var opts []config.ConfigOption
	if flags.workDir != "" {
		opts = append(opts, config.SetWorkDir(flags.workDir))
	}
	if flags.backend != "" {
		opts = append(opts, config.SetBackend(flags.backend))
	}
	if flags.logLevel != "" {
		var level utils.LogLevel
		if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
			return nil, err
		}
		opts = append(opts, config.SetLogLevel(level))
	}

	cfg, err := config.Load(flags.configPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openEngine(flags *rootFlags) (*evoprompt.Engine, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return evoprompt.New(cfg)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teilomillet/evoprompt"
	"github.com/teilomillet/evoprompt/providers"
	"github.com/teilomillet/evoprompt/store"
)

const closeTimeout = 5 * time.Second

func withEngine(flags *rootFlags, fn func(*evoprompt.Engine) error) error {
	engine, err := openEngine(flags)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = engine.Close(ctx)
	}()
	return fn(engine)
}

// readInput returns the content of value when it names a file, else value.
func readInput(value string) (string, error) {
	if info, err := os.Stat(value); err == nil && !info.IsDir() {
		data, err := os.ReadFile(value)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return string(data), nil
	}
	return value, nil
}

func initCmd(flags *rootFlags) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "init <prompt-name>",
		Short: "Create the working directories and seed a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(flags, func(e *evoprompt.Engine) error {
				content, err := readInput(text)
				if err != nil {
					return err
				}
				record, err := e.Seed(args[0], content)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Prompt %q at version %d in %s\n", record.Name, record.CurrentVersion, e.Store.Dir())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "Summarize the following text.", "initial prompt text or a file containing it")
	return cmd
}

func runCmd(flags *rootFlags) *cobra.Command {
	var (
		input     string
		rounds    int
		noTeacher bool
		apply     bool
		author    string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt-name>",
		Short: "Run improvement rounds for a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(input)
			if err != nil {
				return err
			}
			return withEngine(flags, func(e *evoprompt.Engine) error {
				results, err := e.Run(cmd.Context(), args[0], content, evoprompt.RunOptions{
					Rounds:     rounds,
					UseTeacher: !noTeacher,
					AutoApply:  apply,
					Author:     author,
				})
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(results); encErr != nil {
						return encErr
					}
					return err
				}
				for i, r := range results {
					fmt.Fprintf(out, "--- ROUND %d (run %s, v%d) ---\n", i+1, r.RunID, r.PromptVersion)
					if r.CacheHit {
						fmt.Fprintln(out, "Student output served from cache")
					}
					if r.Evaluation != nil {
						fmt.Fprintf(out, "Evaluation score: %g\n", r.Evaluation.Score)
						if r.Evaluation.Feedback != "" {
							fmt.Fprintf(out, "Feedback: %s\n", r.Evaluation.Feedback)
						}
					}
					fmt.Fprintf(out, "Proposed change: %s\n", r.Proposed.ChangeSummary)
				}
				return err
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&input, "input", "i", "", "input text or a file containing it")
	f.IntVarP(&rounds, "rounds", "n", 1, "number of rounds")
	f.BoolVar(&noTeacher, "no-teacher", false, "skip evaluation by the teacher")
	f.BoolVar(&apply, "apply", false, "store every proposed prompt as a new version")
	f.StringVar(&author, "author", "", "author recorded on applied versions")
	f.BoolVar(&asJSON, "json", false, "print results as JSON")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func listCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(flags, func(e *evoprompt.Engine) error {
				names, err := e.Store.List()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tVERSION\tUPDATED\tAUTHOR")
				for _, name := range names {
					record, err := e.Store.Get(name)
					if err != nil {
						fmt.Fprintf(w, "%s\t?\t?\t%v\n", name, err)
						continue
					}
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, record.CurrentVersion,
						record.Meta.LastUpdated.Format(time.RFC3339), record.Meta.Author)
				}
				return w.Flush()
			})
		},
	}
}

func showCmd(flags *rootFlags) *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <prompt-name>",
		Short: "Print the text of a prompt version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(flags, func(e *evoprompt.Engine) error {
				if version > 0 {
					v, err := e.Store.Version(args[0], version)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), v.Text)
					return nil
				}
				record, err := e.Store.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), record.Text)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&version, "version", "v", 0, "version to print (default: current)")
	return cmd
}

func historyCmd(flags *rootFlags) *cobra.Command {
	var diff []int
	cmd := &cobra.Command{
		Use:   "history <prompt-name>",
		Short: "Show the version history of a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(flags, func(e *evoprompt.Engine) error {
				out := cmd.OutOrStdout()
				if len(diff) > 0 {
					if len(diff) != 2 {
						return fmt.Errorf("--diff takes two versions, got %d", len(diff))
					}
					d, err := e.Store.Diff(args[0], diff[0], diff[1])
					if err != nil {
						return err
					}
					fmt.Fprint(out, d)
					return nil
				}

				history, err := e.Store.History(args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tTIMESTAMP\tAUTHOR\tREASON")
				for _, v := range history {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.Version, v.Timestamp.Format(time.RFC3339), v.Author, v.Reason)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntSliceVar(&diff, "diff", nil, "show a line diff between two versions, e.g. --diff 1,3")
	return cmd
}

func exportCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write every prompt and its history to one JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(flags, func(e *evoprompt.Engine) error {
				if err := e.Store.Export(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported prompts to %s\n", args[0])
				return nil
			})
		},
	}
}

func rollbackCmd(flags *rootFlags) *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "rollback <prompt-name> <version>",
		Short: "Restore an earlier version as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[1], err)
			}
			return withEngine(flags, func(e *evoprompt.Engine) error {
				record, err := e.Store.Rollback(args[0], version, author)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Prompt %q restored from v%d as v%d\n", record.Name, version, record.CurrentVersion)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", store.DefaultAuthor, "author recorded on the new version")
	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the built-in OpenAI-compatible providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := providers.GetDefaultRegistry()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENDPOINT\tAUTH")
			for _, name := range registry.Names() {
				cfg, _ := registry.GetProviderConfig(name)
				auth := "none"
				if cfg.AuthHeader != "" {
					auth = cfg.AuthHeader
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, cfg.Endpoint, auth)
			}
			return w.Flush()
		},
	}
}

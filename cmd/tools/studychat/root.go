package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/study-buddy/backend/internal/app"
	"github.com/zhouzirui/study-buddy/backend/internal/config"
	"github.com/zhouzirui/study-buddy/backend/internal/logging"
)

type options struct {
	user    string
	plain   bool
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "studychat",
		Short: "Chat with the study assistant from a terminal",
		Long: `studychat reads one message per line from stdin and prints the assistant's reply.
It uses the same configuration and state store as the API server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App, user string) error {
				render := plainRenderer
				if !opts.plain {
					r, err := markdownRenderer()
					if err != nil {
						return err
					}
					render = r
				}
				return runChat(cmd.Context(), a.Chat, user, cmd.InOrStdin(), cmd.OutOrStdout(), render)
			})
		},
	}
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", "", "learner id (defaults to CHAT_DEFAULT_USER)")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "log at info level")
	root.Flags().BoolVar(&opts.plain, "plain", false, "print replies without markdown rendering")

	root.AddCommand(
		&cobra.Command{
			Use:   "state",
			Short: "Print the stored state for the learner as JSON",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), opts, func(a *app.App, user string) error {
					state, err := a.Chat.State(cmd.Context(), user)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(state)
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Delete the stored state for the learner",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), opts, func(a *app.App, user string) error {
					if err := a.Chat.Reset(cmd.Context(), user); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "state for %s cleared\n", user)
					return nil
				})
			},
		},
	)
	return root
}

func withApp(ctx context.Context, opts *options, fn func(a *app.App, user string) error) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := "warn"
	if opts.verbose {
		level = "info"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	user := opts.user
	if user == "" {
		user = cfg.Chat.DefaultUser
	}
	return fn(a, user)
}

func markdownRenderer() (func(string) (string, error), error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	return r.Render, nil
}

func plainRenderer(text string) (string, error) {
	return text + "\n", nil
}

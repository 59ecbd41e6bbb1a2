package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

func newMigrateCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if env.Migrate == nil {
				return errors.New("migrations not configured")
			}
			return env.Migrate(cmd.Context())
		},
	}
}

func newServeCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if env.Serve == nil {
				return errors.New("server not configured")
			}
			return env.Serve(cmd.Context())
		},
	}
}

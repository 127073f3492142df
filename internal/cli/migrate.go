package cli

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, appOptions{migrate: true})
		if err != nil {
			return err
		}
		defer func() { _ = a.close(cmd.Context()) }()

		if err := a.start(cmd.Context()); err != nil {
			return err
		}
		a.logger.WithField("version", cfg.DatabaseMigrationVersion).Info("Migrations applied")
		return nil
	},
}

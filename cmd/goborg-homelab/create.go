package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create [task...]",
	Short: "Run backup tasks",
	Long: `Create archives for the given tasks and prune them according to
their retention policy. Without arguments all enabled tasks run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newRunner()
		if err != nil {
			return err
		}

		ctx, cancel, _ := signalContext()
		defer cancel()

		if err := svc.Create(ctx, args, progressCallback()); err != nil {
			log.Error().Err(err).Msg("backup run finished with errors")
			return err
		}
		log.Info().Msg("backup run finished")
		return nil
	},
}

package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkByRepo bool

var checkCmd = &cobra.Command{
	Use:   "check [item...]",
	Short: "Verify repository consistency",
	Long: `Run borg check against the repositories behind the given tasks, or
against the named repositories with --repo. Without arguments every
configured repository is checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newRunner()
		if err != nil {
			return err
		}

		ctx, cancel, _ := signalContext()
		defer cancel()

		if err := svc.Check(ctx, checkByRepo, args, progressCallback()); err != nil {
			log.Error().Err(err).Msg("check finished with errors")
			return err
		}
		log.Info().Msg("check finished")
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVarP(&checkByRepo, "repo", "r", false,
		"treat arguments as repository names instead of task names")
}

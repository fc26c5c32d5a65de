package main

import (
	"github.com/fgeck/goborg-homelab/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	mountByRepo bool
	mountAll    bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <task|repo[::archive]> <mountpoint>",
	Short: "Mount an archive as a FUSE filesystem",
	Long: `Mount the latest archive of a task at the given mountpoint, or an
explicit repository (optionally with ::archive) with --repo. The mount
stays in the foreground; interrupting it unmounts and cleans up.
A second interrupt aborts a stuck unmount.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newRunner()
		if err != nil {
			return err
		}

		ctx, cancel, stop := signalContext()
		defer cancel()

		err = svc.Mount(ctx, runner.MountArgs{
			Item:       args[0],
			ByRepo:     mountByRepo,
			Mountpoint: args[1],
			All:        mountAll,
			Stop:       stop,
		})
		if err != nil {
			log.Error().Err(err).Msg("mount failed")
			return err
		}
		return nil
	},
}

func init() {
	mountCmd.Flags().BoolVarP(&mountByRepo, "repo", "r", false,
		"treat the argument as a repository name instead of a task name")
	mountCmd.Flags().BoolVarP(&mountAll, "all", "a", false,
		"mount the whole repository instead of a single archive")
}

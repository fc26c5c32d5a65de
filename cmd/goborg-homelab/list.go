package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var listByRepo bool

var listCmd = &cobra.Command{
	Use:   "list <task|repo>",
	Short: "List archives",
	Long: `List the archives a task has created, or every archive in a
repository with --repo.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newRunner()
		if err != nil {
			return err
		}

		ctx, cancel, _ := signalContext()
		defer cancel()

		result, err := svc.List(ctx, args[0], listByRepo)
		if err != nil {
			log.Error().Err(err).Msg("list failed")
			return err
		}

		if len(result.Archives) == 0 {
			fmt.Println("no archives found")
			return nil
		}
		for _, archive := range result.Archives {
			fmt.Printf("%s  %s  %s@%s\n",
				archive.Start.Format("2006-01-02 15:04:05"),
				archive.Name, archive.Username, archive.Hostname)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listByRepo, "repo", "r", false,
		"treat the argument as a repository name instead of a task name")
}

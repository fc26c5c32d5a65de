package main

import (
	"fmt"
	"sort"

	"github.com/fgeck/goborg-homelab/internal/services/runner"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled backup tasks",
	Long: `Stay in the foreground and run every task that carries a cron
schedule at its configured times. A run that is still going when its
next slot comes up is skipped, not stacked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := runner.New(log.Logger, cfg, configDir, dryRun)
		if err != nil {
			return err
		}

		ctx, cancel, _ := signalContext()
		defer cancel()

		scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

		names := make([]string, 0, len(cfg.Tasks))
		for name := range cfg.Tasks {
			names = append(names, name)
		}
		sort.Strings(names)

		scheduled := 0
		for _, name := range names {
			task := cfg.Tasks[name]
			if task.Schedule == "" {
				continue
			}
			if !task.Enabled {
				log.Debug().Str("task", name).Msg("task disabled, not scheduling")
				continue
			}

			taskName := name
			_, err := scheduler.AddFunc(task.Schedule, func() {
				log.Info().Str("task", taskName).Msg("scheduled run starting")
				if err := svc.Create(ctx, []string{taskName}, nil); err != nil {
					log.Error().Err(err).Str("task", taskName).Msg("scheduled run failed")
				}
			})
			if err != nil {
				return fmt.Errorf("task %s: invalid schedule %q: %w", name, task.Schedule, err)
			}
			log.Info().Str("task", taskName).Str("schedule", task.Schedule).Msg("task scheduled")
			scheduled++
		}

		if scheduled == 0 {
			return fmt.Errorf("no task carries a schedule, nothing to do")
		}

		scheduler.Start()
		log.Info().Int("tasks", scheduled).Msg("daemon started")

		<-ctx.Done()
		log.Info().Msg("daemon stopping, waiting for running tasks")
		<-scheduler.Stop().Done()
		return nil
	},
}

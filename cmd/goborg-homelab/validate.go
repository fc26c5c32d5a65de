package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Parse the configuration file and report what was found. Exits
non-zero when the configuration is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration is valid!")
		fmt.Printf("Repositories: %d\n", len(cfg.Repositories))
		repoNames := make([]string, 0, len(cfg.Repositories))
		for name := range cfg.Repositories {
			repoNames = append(repoNames, name)
		}
		sort.Strings(repoNames)
		for _, name := range repoNames {
			repo := cfg.Repositories[name]
			fmt.Printf("  - %s: %s", name, repo.Path)
			if repo.Wake != nil {
				fmt.Print(" (wake-on-lan)")
			}
			if repo.Shutdown != nil {
				fmt.Print(" (ssh shutdown)")
			}
			fmt.Println()
		}

		fmt.Printf("Tasks: %d\n", len(cfg.Tasks))
		taskNames := make([]string, 0, len(cfg.Tasks))
		for name := range cfg.Tasks {
			taskNames = append(taskNames, name)
		}
		sort.Strings(taskNames)
		for _, name := range taskNames {
			task := cfg.Tasks[name]
			state := "enabled"
			if !task.Enabled {
				state = "disabled"
			}
			fmt.Printf("  - %s: repository %s, %s", name, task.Repository, state)
			if task.Schedule != "" {
				fmt.Printf(", schedule %q", task.Schedule)
			}
			fmt.Println()
		}
		return nil
	},
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fgeck/goborg-homelab/internal/config"
	"github.com/fgeck/goborg-homelab/internal/models"
	"github.com/fgeck/goborg-homelab/internal/services/runner"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configDir    string
	configFile   string
	dryRun       bool
	verbose      bool
	quiet        bool
	jsonOutput   bool
	showProgress bool
)

var rootCmd = &cobra.Command{
	Use:   "goborg-homelab",
	Short: "A borg backup orchestrator for homelab environments",
	Long: `goborg-homelab drives BorgBackup from a declarative configuration:
named repositories, named backup tasks, retention policies and pre/post
hooks. It supervises borg as a subprocess, reads its structured log
protocol, and serializes access to each repository with a host-wide lock.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "d", "/etc/goborg-homelab",
		"configuration directory, base for relative paths in the config")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file (default <config-dir>/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false,
		"log what would run without spawning borg or hooks")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&showProgress, "progress", "p", false, "show borg progress")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(daemonCmd)
}

func setupLogging() {
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig parses the configuration file, defaulting to config.yml in the
// configuration directory.
func loadConfig() (*models.Config, error) {
	file := configFile
	if file == "" {
		file = filepath.Join(configDir, "config.yml")
	}

	parser := config.NewParser(configDir)
	cfg, err := parser.LoadFile(file)
	if err != nil {
		log.Error().Err(err).Str("file", file).Msg("failed to load config")
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

// newRunner loads the configuration and builds the orchestrator on top.
func newRunner() (runner.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	svc, err := runner.New(log.Logger, cfg, configDir, dryRun)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM. The second
// return value is a channel fired by a further signal after the first one,
// for aborting cleanup loops.
func signalContext() (context.Context, context.CancelFunc, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("received signal, cancelling")
		cancel()
		<-sigCh
		close(stop)
	}()

	return ctx, cancel, stop
}

// progressCallback renders borg progress on stderr when --progress is set.
func progressCallback() models.ProgressFunc {
	if !showProgress {
		return nil
	}
	return func(u models.ProgressUpdate) {
		if u.Finished {
			fmt.Fprint(os.Stderr, "\r\033[K")
			return
		}
		switch u.Type {
		case models.TypeArchiveProgress:
			fmt.Fprintf(os.Stderr, "\r\033[K%s %s", u.Summary, u.Path)
		case models.TypeProgressPercent:
			if u.Percent >= 0 {
				fmt.Fprintf(os.Stderr, "\r\033[K%s %.1f%%", u.Message, u.Percent)
			} else {
				fmt.Fprintf(os.Stderr, "\r\033[K%s", u.Message)
			}
		default:
			fmt.Fprintf(os.Stderr, "\r\033[K%s", u.Message)
		}
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

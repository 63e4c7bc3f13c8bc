// cmd/revfs/main.go
package main

import (
	"fmt"
	"os"
	"strings"

	"revfs/internal/config"
	"revfs/internal/metrics"
	"revfs/internal/repo"
	"revfs/internal/validation"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger     = zap.NewNop()
	configPath string
	repoPath   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "revfs",
	Short: "revfs administers a versioned filesystem repository",
	Long: `revfs creates and inspects repositories that store an ordered series of
immutable directory-tree snapshots as deltas in revision files.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewDevelopmentConfig()
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("parsing log level: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
		l, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "R", "", "Repository path (overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}
	if repoPath != "" {
		cfg.Repository.Path = repoPath
	}
	return cfg, nil
}

func repoOptions(cfg *config.Config, m *metrics.Metrics) repo.Options {
	return repo.Options{
		Config:  cfg.Repository,
		Hooks:   cfg.Hooks,
		Logger:  logger,
		Metrics: m,
	}
}

func openRepo() (*repo.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	r, err := repo.Open(repoOptions(cfg, nil))
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return r, nil
}

// parseRev accepts a revision number or HEAD; an empty string means HEAD.
func parseRev(s string, youngest int64) (int64, error) {
	if s == "" || strings.EqualFold(s, "HEAD") {
		return youngest, nil
	}
	return validation.Revision(s)
}

// parseRange parses "N", "N:M" or an empty string (everything).
func parseRange(s string, youngest int64) (int64, int64, error) {
	if s == "" {
		return 0, youngest, nil
	}
	lo, hi, found := strings.Cut(s, ":")
	start, err := parseRev(lo, youngest)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return start, start, nil
	}
	end, err := parseRev(hi, youngest)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

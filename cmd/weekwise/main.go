package main

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/prefs"
)

var (
	prefsPath string
	debug     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "weekwise",
	Short: "Weekly planner with synced tasks, daily notes and AI suggestions",
	Long: `WeekWise keeps a week of tasks and daily notes in sync with a remote
document store and serves them to local front ends over HTTP.

Run "weekwise setup" once to store the backend configuration, then
"weekwise serve".`,
	SilenceUsage: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		configureLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&prefsPath, "prefs", os.Getenv("WEEKWISE_PREFS"), "Preferences file (default: user config dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (or set DEBUG=true)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(storageInitCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configureLogging() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); (err == nil && dbg) || debug {
		log.SetLevel(log.DebugLevel)
	}
}

func openPrefs() (*prefs.Store, error) {
	path := prefsPath
	if path == "" {
		var err error
		if path, err = prefs.DefaultPath(); err != nil {
			return nil, fmt.Errorf("locate preferences: %w", err)
		}
	}
	return prefs.Open(path)
}

// effectiveConfig returns the configuration serve would use: the stored one
// when usable, otherwise the deployment one.
func effectiveConfig(store *prefs.Store) (backend.Config, error) {
	if cfg, ok := backend.StoredConfig(store); ok && cfg.Usable() {
		return cfg, nil
	}
	cfg, err := backend.DeploymentConfig()
	if err != nil {
		return backend.Config{}, err
	}
	if !cfg.Usable() {
		return backend.Config{}, backend.ErrUnusableConfig
	}
	return cfg, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wowowow-64/weekwise/auth"
	"github.com/wowowow-64/weekwise/backend"
	"github.com/wowowow-64/weekwise/domain"
	"github.com/wowowow-64/weekwise/storage"
)

var setupCmd = &cobra.Command{
	Use:   "setup [file]",
	Short: "Store the backend configuration",
	Long: `Read a backend configuration from file (or stdin when omitted) and
store it obscured in the preferences file. Both a JSON object and a pasted
"const firebaseConfig = { ... }" snippet are accepted. A running service
picks the new configuration up immediately.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read configuration: %w", err)
	}
	cfg, err := backend.ParseConfig(string(raw))
	if err != nil {
		return fmt.Errorf("parse configuration: %w", err)
	}
	store, err := openPrefs()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := backend.SaveConfig(store, cfg); err != nil {
		return err
	}
	log.WithField("project", cfg.ProjectID).Info("configuration saved")
	fmt.Fprintf(cmd.OutOrStdout(), "Saved configuration for project %s to %s\n", cfg.ProjectID, store.Path())
	return nil
}

var storageInitCmd = &cobra.Command{
	Use:   "storage-init",
	Short: "Create the planner tables",
	Long: `Create the task and note tables in the configured Azure Tables
account. Existing tables are left alone.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		log.Info("storage init starting")
		store, err := openPrefs()
		if err != nil {
			return err
		}
		defer store.Close()
		cfg, err := effectiveConfig(store)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if err := storage.CreateTables(ctx, storage.TableConfigFrom(cfg)); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
		log.Info("storage init complete")
		return nil
	},
}

var (
	tokenName  string
	tokenEmail string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Sign a local identity token",
	Long: `Sign an HS256 identity token with LOCAL_AUTH_SHARED_SECRET for use
with LOCAL_AUTH_MODE=hs256. Post it to /login as {"idToken": "..."}.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
		if secret == "" {
			return fmt.Errorf("LOCAL_AUTH_SHARED_SECRET is not set")
		}
		token, err := auth.SignLocal([]byte(secret), domain.User{
			ID:          args[0],
			DisplayName: tokenName,
			Email:       tokenEmail,
		}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name claim")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

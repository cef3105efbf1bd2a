package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/graphsafe/internal/app"
	"github.com/dukerupert/graphsafe/internal/backup"
	"github.com/dukerupert/graphsafe/internal/config"
	"github.com/dukerupert/graphsafe/internal/database"
	"github.com/dukerupert/graphsafe/internal/logging"
	"github.com/dukerupert/graphsafe/internal/model"
	"github.com/dukerupert/graphsafe/internal/restore"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("GRAPHSAFE_CONFIG")
	}
	cfg, err := config.Load(path, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newApp loads the config and builds the app. The caller must defer
// a.Close().
func newApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rootCmd = &cobra.Command{
	Use:          "graphsafe",
	Short:        "Graph store with continuous S3 backup",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and backup worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and print the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		v, err := database.Version(db)
		if err != nil {
			return err
		}
		fmt.Printf("Schema version: %d\n", v)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage archives",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a manual full backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		payload, err := a.Server.Snapshots().Full(cmd.Context(), model.KindManual)
		if err != nil {
			return fmt.Errorf("building snapshot: %w", err)
		}
		archive, err := a.Server.Archives().Store(cmd.Context(), model.KindManual, payload)
		if err != nil {
			return fmt.Errorf("storing archive: %w", err)
		}
		return printJSON(archive)
	},
}

var (
	listKind  string
	listSince string
	listLimit int
)

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := backup.Filter{Kind: model.ArchiveKind(listKind), Limit: listLimit}
		if f.Kind != "" && !f.Kind.Valid() {
			return fmt.Errorf("unknown archive kind %q", listKind)
		}
		if listSince != "" {
			d, err := time.ParseDuration(listSince)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			f.Since = time.Now().Add(-d)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		archives, err := a.Server.Archives().List(cmd.Context(), f)
		if err != nil {
			return err
		}
		for _, ar := range archives {
			marker := ""
			if ar.Protected {
				marker = " (protected)"
			}
			fmt.Printf("%s  %-11s  %8d  %s%s\n", ar.CreatedAt.Format(time.RFC3339), ar.Kind, ar.Size, ar.Key, marker)
		}
		return nil
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Delete an archive after taking a protected safety snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		safety, err := a.Server.Archives().Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		fmt.Printf("Safety snapshot: %s\n", safety.Key)
		return nil
	},
}

var (
	restoreMode      string
	restoreConfirm   bool
	restoreSkipRel   bool
	restoreDocuments []string
	restoreLabels    []string
)

var backupRestoreCmd = &cobra.Command{
	Use:   "restore KEY",
	Short: "Restore graph and relational state from an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		opts := restore.Options{
			Mode:           model.RestoreMode(restoreMode),
			Confirm:        restoreConfirm,
			SkipRelational: restoreSkipRel,
		}
		var report *model.Report
		if len(restoreDocuments) > 0 || len(restoreLabels) > 0 {
			report, err = a.Server.Restorer().RestoreSelective(cmd.Context(), args[0],
				restore.Filter{DocumentIDs: restoreDocuments, Labels: restoreLabels}, opts)
		} else {
			report, err = a.Server.Restorer().RestoreFull(cmd.Context(), args[0], opts)
		}
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var backupSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete unprotected archives past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.Server.Archives().Sweep(cmd.Context())
		for _, key := range deleted {
			fmt.Printf("Deleted %s\n", key)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%d archives removed\n", len(deleted))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (default $GRAPHSAFE_CONFIG)")

	backupListCmd.Flags().StringVar(&listKind, "kind", "", "only list archives of this kind")
	backupListCmd.Flags().StringVar(&listSince, "since", "", "only list archives newer than this duration, e.g. 72h")
	backupListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of archives")

	backupRestoreCmd.Flags().StringVar(&restoreMode, "mode", string(model.ModeOverlay), "replace or overlay")
	backupRestoreCmd.Flags().BoolVar(&restoreConfirm, "confirm", false, "required for replace mode")
	backupRestoreCmd.Flags().BoolVar(&restoreSkipRel, "skip-relational", false, "restore only the graph")
	backupRestoreCmd.Flags().StringSliceVar(&restoreDocuments, "document", nil, "restore only these documents")
	backupRestoreCmd.Flags().StringSliceVar(&restoreLabels, "label", nil, "restore only nodes with these labels")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd, backupRestoreCmd, backupSweepCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, backupCmd)
}

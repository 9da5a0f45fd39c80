package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/node"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "frestq",
	Short: "Frestq - Federated REST task queue node",
	Long: `Frestq runs a peer node of a federated task queue. Nodes exchange
signed JSON messages over HTTPS and coordinate workflows built from
sequential, parallel, synchronized and external tasks.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Frestq version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig reads the configuration named by --config, falling back to the
// built-in defaults when the flag is empty.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the frestq node",
	Long: `Run the frestq node: open the database, start the queue worker
pools and serve the message endpoint until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		n, err := node.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create node: %v", err)
		}
		if err := n.Start(); err != nil {
			return fmt.Errorf("failed to start node: %v", err)
		}

		fmt.Printf("Node is running on %s. Press Ctrl+C to stop.\n", cfg.ListenAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := n.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		store, err := storage.NewSQLiteStore(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %v", err)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate: %v", err)
		}
		fmt.Printf("✓ Database ready: %s\n", cfg.DatabasePath)
		return nil
	},
}

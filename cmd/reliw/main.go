package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deviant-guru/reliw/pkg/config"
	"github.com/deviant-guru/reliw/pkg/log"
	"github.com/deviant-guru/reliw/pkg/metrics"
	"github.com/deviant-guru/reliw/pkg/process"
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
	Use:   "reliw",
	Short: "RELIW - Redis-backed web serving layer",
	Long: `RELIW serves virtual hosts from routing tables, content metadata,
sessions, and rate limits kept in Redis, with a reverse proxy for
delegated hosts and automatic certificate issuance.

Content lives on disk; everything that decides how a request is
answered lives in the store, so configuration changes never need a
restart.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"RELIW version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the serving processes",
	Long: `Run the HTTP workers, the metrics listener, and the certificate
manager under one supervisor. The store must be reachable at boot;
afterwards the workers degrade per request when it goes away.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: true,
		})
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mgr, err := process.NewManager(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to start: %v", err)
		}

		log.Info(fmt.Sprintf("RELIW %s serving on %v", Version, cfg.ListenAddrs()))
		return mgr.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Config file path (default: $RELIW_CONFIG, then /etc/reliw/config.json)")
}

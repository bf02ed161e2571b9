package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/supporttools/SiteVault/pkg/backup"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/metrics"
	"github.com/supporttools/SiteVault/pkg/scheduler"
)

// serveCmd runs the long-lived daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the snapshot daemon",
	Long: `Run SiteVault as a long-lived daemon: scheduled snapshots and retention
sweeps per the configured cron expressions, plus a Prometheus metrics
endpoint. SIGHUP reloads the configuration and reinstalls the schedules;
SIGINT or SIGTERM shuts down after the current job finishes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := initRuntime(); err != nil {
		return err
	}

	log.Println("Starting SiteVault daemon...")
	if config.CFG.Debug {
		config.DisplayConfiguration()
	}

	manager, err := backup.NewManager()
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if config.CFG.Schedule.Enabled {
		sched = scheduler.NewScheduler(manager)
		if err := sched.SetupJobs(); err != nil {
			return err
		}
		sched.Start()
	} else {
		log.Println("Scheduling is disabled; no snapshot jobs will run")
	}

	if config.CFG.Metrics.Enabled {
		go metrics.StartMetricsServer(config.CFG.Metrics.Port)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	log.Println("SiteVault is running. Press Ctrl+C to exit.")

	for sig := range signals {
		if sig == syscall.SIGHUP {
			log.Println("Received SIGHUP, reloading configuration...")
			if err := config.LoadConfiguration(); err != nil {
				log.Printf("Configuration reload failed, keeping previous settings: %v", err)
				continue
			}
			if sched != nil {
				if err := sched.ReloadSchedules(); err != nil {
					log.Printf("Schedule reload failed: %v", err)
				}
			}
			continue
		}
		log.Printf("Received signal %s, shutting down...", sig)
		break
	}

	if sched != nil {
		sched.Stop()
	}
	return nil
}

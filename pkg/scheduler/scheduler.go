// Package scheduler manages scheduled snapshot and retention runs.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/supporttools/SiteVault/pkg/backup"
	"github.com/supporttools/SiteVault/pkg/config"
	"github.com/supporttools/SiteVault/pkg/platform"
)

// requesterID recorded against scheduler-triggered operations.
const requesterID = "scheduler"

// Scheduler handles cron scheduling for snapshots and retention
type Scheduler struct {
	cronScheduler *cron.Cron
	backupManager *backup.Manager
	cfg           *config.AppConfig
	jobIDs        map[string]cron.EntryID // Track job IDs for dynamic updates
}

// NewScheduler creates a new scheduler
func NewScheduler(backupManager *backup.Manager) *Scheduler {
	return &Scheduler{
		cronScheduler: cron.New(),
		backupManager: backupManager,
		cfg:           &config.CFG,
		jobIDs:        make(map[string]cron.EntryID),
	}
}

// SetupJobs configures all scheduled jobs
func (s *Scheduler) SetupJobs() error {
	if s.cfg.Schedule.BackupCron != "" {
		withUploads := s.cfg.Schedule.WithUploads
		jobID, err := s.cronScheduler.AddFunc(s.cfg.Schedule.BackupCron, func() {
			if platform.Default.ReadonlyEnabled() {
				log.Println("Skipping scheduled snapshot: the site is in readonly mode")
				return
			}
			log.Println("Starting scheduled snapshot...")
			if _, err := s.backupManager.Run(context.Background(), requesterID, backup.Options{
				WithUploads: &withUploads,
			}); err != nil {
				log.Printf("Scheduled snapshot failed: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule snapshots with cron expression %q: %w",
				s.cfg.Schedule.BackupCron, err)
		}
		s.jobIDs["backup"] = jobID
		log.Printf("Scheduled snapshots with cron expression: %s", s.cfg.Schedule.BackupCron)
	} else {
		log.Println("No snapshot schedule configured, skipping")
	}

	retentionCron := s.cfg.Schedule.RetentionCron
	if retentionCron == "" {
		retentionCron = "15 * * * *"
	}
	jobID, err := s.cronScheduler.AddFunc(retentionCron, func() {
		if err := s.backupManager.EnforceRetentionPolicies(context.Background(), requesterID); err != nil {
			log.Printf("Scheduled retention sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention enforcement: %w", err)
	}
	s.jobIDs["retention"] = jobID
	log.Printf("Scheduled retention enforcement with cron expression: %s", retentionCron)

	return nil
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cronScheduler.Start()
	log.Println("Snapshot scheduler started successfully")
}

// Stop halts all scheduled jobs
func (s *Scheduler) Stop() {
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()
	log.Println("Snapshot scheduler stopped")
}

// ReloadSchedules removes all existing jobs and re-creates them based on
// current configuration
func (s *Scheduler) ReloadSchedules() error {
	log.Println("Reloading schedules...")

	for name, jobID := range s.jobIDs {
		s.cronScheduler.Remove(jobID)
		delete(s.jobIDs, name)
		log.Printf("Removed %s schedule", name)
	}

	if err := s.SetupJobs(); err != nil {
		return fmt.Errorf("failed to reload schedules: %w", err)
	}

	log.Println("Successfully reloaded schedules")
	return nil
}

// NextRun returns the next scheduled run time of the named job ("backup" or
// "retention").
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	jobID, ok := s.jobIDs[name]
	if !ok {
		return time.Time{}, fmt.Errorf("no scheduled job named %q", name)
	}
	return s.cronScheduler.Entry(jobID).Next, nil
}

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteVault/pkg/config"
)

func TestSetupJobsInstallsSchedules(t *testing.T) {
	config.CFG.Schedule = config.ScheduleConfig{
		Enabled:       true,
		BackupCron:    "0 3 * * *",
		RetentionCron: "30 4 * * *",
	}

	s := NewScheduler(nil)
	require.NoError(t, s.SetupJobs())
	s.Start()
	defer s.Stop()

	next, err := s.NextRun("backup")
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()))

	next, err = s.NextRun("retention")
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()))
}

func TestSetupJobsRejectsBadCronExpression(t *testing.T) {
	config.CFG.Schedule = config.ScheduleConfig{
		Enabled:    true,
		BackupCron: "not a cron expression",
	}

	s := NewScheduler(nil)
	require.Error(t, s.SetupJobs())
}

func TestSetupJobsWithoutBackupCron(t *testing.T) {
	config.CFG.Schedule = config.ScheduleConfig{Enabled: true}

	s := NewScheduler(nil)
	require.NoError(t, s.SetupJobs())

	// No snapshot job, but the retention sweep still gets its hourly default.
	_, err := s.NextRun("backup")
	require.Error(t, err)
	_, ok := s.jobIDs["retention"]
	assert.True(t, ok)
}

func TestReloadSchedulesReplacesJobs(t *testing.T) {
	config.CFG.Schedule = config.ScheduleConfig{
		Enabled:    true,
		BackupCron: "0 3 * * *",
	}

	s := NewScheduler(nil)
	require.NoError(t, s.SetupJobs())
	first := s.jobIDs["backup"]

	config.CFG.Schedule.BackupCron = "0 5 * * *"
	require.NoError(t, s.ReloadSchedules())

	assert.NotEqual(t, first, s.jobIDs["backup"])
}

func TestNextRunUnknownJob(t *testing.T) {
	s := NewScheduler(nil)
	_, err := s.NextRun("never-installed")
	require.Error(t, err)
}

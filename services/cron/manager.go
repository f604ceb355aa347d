package cron

import (
	"log"
	"time"

	"github.com/buildrelay/api/model"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CronManager manages all scheduled cron jobs
type CronManager struct {
	cron *cron.Cron
	db   *gorm.DB
}

// NewCronManager creates a new cron manager
func NewCronManager(db *gorm.DB) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron: c,
		db:   db,
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	// Register all jobs
	if err := m.registerJobs(); err != nil {
		return err
	}

	// Start the cron scheduler
	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// 1. Every hour: expire overdue coin allocations
	_, err := m.cron.AddFunc("0 0 * * * *", func() {
		m.runJob("expire_coin_allocations", m.ExpireCoinAllocations)
	})
	if err != nil {
		return err
	}

	// 2. Every 30 minutes: audit approvals left pending too long
	_, err = m.cron.AddFunc("0 */30 * * * *", func() {
		m.runJob("audit_stale_approvals", m.AuditStaleApprovals)
	})
	if err != nil {
		return err
	}

	log.Println("All cron jobs registered successfully")
	return nil
}

// runJob executes a job and records its outcome in cron_job_logs
func (m *CronManager) runJob(jobName string, job func() (string, error)) {
	started := time.Now()
	log.Printf("[CRON] Starting job: %s at %s", jobName, started.Format(time.RFC3339))

	entry := model.CronJobLog{
		JobName:   jobName,
		Status:    "running",
		StartedAt: started,
	}
	if err := m.db.Create(&entry).Error; err != nil {
		log.Printf("[CRON] Failed to record start of %s: %v", jobName, err)
	}

	message, err := job()
	completed := time.Now()
	duration := int(completed.Sub(started).Milliseconds())

	updates := map[string]interface{}{
		"status":       "completed",
		"completed_at": completed,
		"duration":     duration,
		"message":      message,
	}
	if err != nil {
		updates["status"] = "failed"
		updates["error_msg"] = err.Error()
		log.Printf("[CRON] Job %s failed after %dms: %v", jobName, duration, err)
	} else {
		log.Printf("[CRON] Job %s completed in %dms: %s", jobName, duration, message)
	}

	if entry.ID != 0 {
		if err := m.db.Model(&model.CronJobLog{}).Where("id = ?", entry.ID).Updates(updates).Error; err != nil {
			log.Printf("[CRON] Failed to record outcome of %s: %v", jobName, err)
		}
	}
}

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetention        = 30 * 24 * time.Hour
	DefaultCleanupSchedule  = "0 3 * * *"
	defaultCleanupRunBudget = time.Minute
)

// Cleanup deletes sessions that have not been updated within the retention
// window. It runs on a cron schedule.
type Cleanup struct {
	manager   *Manager
	retention time.Duration
	schedule  string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewCleanup creates a cleanup handler. Zero values select the defaults.
func NewCleanup(manager *Manager, retention time.Duration, schedule string) (*Cleanup, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if _, err := cronParser().Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	return &Cleanup{
		manager:   manager,
		retention: retention,
		schedule:  schedule,
	}, nil
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// Start schedules periodic cleanup.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.cron = cron.New(cron.WithParser(cronParser()))
	if _, err := c.cron.AddFunc(c.schedule, c.runScheduled); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	c.cron.Start()
	c.running = true

	log.Info().
		Dur("retention", c.retention).
		Str("schedule", c.schedule).
		Msg("Session cleanup started")
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	cr := c.cron
	c.running = false
	c.cron = nil
	c.mu.Unlock()

	<-cr.Stop().Done()
	log.Info().Msg("Session cleanup stopped")
	return nil
}

// IsRunning returns whether the schedule is active.
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Retention returns the retention window.
func (c *Cleanup) Retention() time.Duration {
	return c.retention
}

func (c *Cleanup) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupRunBudget)
	defer cancel()
	if _, err := c.CleanupNow(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old sessions")
	}
}

// CleanupNow deletes every session last updated before now minus retention
// and returns the deleted ids.
func (c *Cleanup) CleanupNow(ctx context.Context) ([]string, error) {
	stats, err := c.manager.List(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := time.Now().Add(-c.retention)
	var deleted []string
	for _, st := range stats {
		if !st.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := c.manager.Delete(ctx, st.Header.ID); err != nil {
			log.Error().
				Str("session_id", st.Header.ID).
				Err(err).
				Msg("Failed to delete session")
			continue
		}
		deleted = append(deleted, st.Header.ID)
		log.Debug().
			Str("session_id", st.Header.ID).
			Time("updated_at", st.UpdatedAt).
			Msg("Session expired")
	}

	if len(deleted) > 0 {
		log.Info().Int("deleted", len(deleted)).Msg("Cleaned up old sessions")
	}
	return deleted, nil
}

package signing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReminderSender is the part of the service the scheduler drives.
type ReminderSender interface {
	SendReminders(ctx context.Context) (int, error)
}

// ReminderScheduler runs expiry reminders on a cron schedule
type ReminderScheduler struct {
	cron    *cron.Cron
	sender  ReminderSender
	spec    string
	timeout time.Duration
	logger  *zap.Logger
	mu      sync.Mutex
	running bool
}

func NewReminderScheduler(sender ReminderSender, spec string, timeout time.Duration, logger *zap.Logger) (*ReminderScheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid reminder schedule %q: %w", spec, err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &ReminderScheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		sender:  sender,
		spec:    spec,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "reminders")),
	}, nil
}

// Start registers the job and starts the cron scheduler
func (m *ReminderScheduler) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("reminder scheduler already running")
	}

	if _, err := m.cron.AddFunc(m.spec, m.RunOnce); err != nil {
		return fmt.Errorf("failed to schedule reminders: %w", err)
	}
	m.cron.Start()
	m.running = true

	m.logger.Info("Reminder scheduler started", zap.String("schedule", m.spec))
	return nil
}

// Stop waits for a running job to finish
func (m *ReminderScheduler) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	m.logger.Info("Stopping reminder scheduler")
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.running = false
}

// RunOnce performs a single reminder sweep.
func (m *ReminderScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	sent, err := m.sender.SendReminders(ctx)
	if err != nil {
		m.logger.Error("Reminder sweep failed", zap.Error(err))
		return
	}
	m.logger.Debug("Reminder sweep finished",
		zap.Int("sent", sent),
		zap.Duration("duration", time.Since(start)))
}

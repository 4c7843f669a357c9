package reminders

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/cluster"
	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/metrics"
	"github.com/devrev/silohost/internal/util/workerpool"
)

const (
	defaultResolution     = time.Second
	defaultReloadInterval = 30 * time.Second
)

// Config holds reminder service configuration
type Config struct {
	// Resolution is how often due reminders are checked
	Resolution time.Duration
	// ReloadInterval is how often the table is re-read for reminders
	// registered through other silos
	ReloadInterval time.Duration
	Workers        int
}

type scheduled struct {
	entry Entry
	next  time.Time
}

// Service fires reminders at the entities placed on this silo. It
// implements cluster.ReminderService.
type Service struct {
	table   Table
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	reminders map[entryKey]*scheduled
	invoker   cluster.Invoker
	owns      func(cluster.EntityID) bool

	pool   *workerpool.Pool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a reminder service over table
func NewService(table Table, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if cfg.Resolution <= 0 {
		cfg.Resolution = defaultResolution
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = defaultReloadInterval
	}
	return &Service{
		table:     table,
		config:    cfg,
		logger:    logger,
		metrics:   m,
		reminders: make(map[entryKey]*scheduled),
	}
}

// Start loads the table and begins firing reminders through invoker
func (s *Service) Start(ctx context.Context, invoker cluster.Invoker, owns func(cluster.EntityID) bool) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.invoker = invoker
	s.owns = owns
	s.mu.Unlock()

	if err := s.reload(ctx); err != nil {
		return err
	}

	s.pool = workerpool.New(workerpool.Config{
		Name:    "reminders",
		Workers: s.config.Workers,
		OnComplete: func(job workerpool.Job, err error) {
			if s.metrics != nil {
				s.metrics.RecordReminderTick(err)
			}
		},
	}, s.logger)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(loopCtx)

	s.logger.Info("Reminder service started", zap.Int("reminders", s.Count()))
	return nil
}

// Stop stops firing and waits for in-flight deliveries until ctx is done
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return s.pool.Stop(ctx)
}

// Register stores a reminder that first fires after due and then every period
func (s *Service) Register(ctx context.Context, id cluster.EntityID, name string, due, period time.Duration) error {
	if name == "" {
		return sierrors.InvalidArgument("reminder name is required", nil)
	}
	if period <= 0 {
		return sierrors.InvalidArgument(fmt.Sprintf("reminder period must be positive, got %v", period), nil)
	}
	if due < 0 {
		due = 0
	}

	entry := Entry{
		Entity:  id,
		Name:    name,
		StartAt: time.Now().Add(due).UTC(),
		Period:  period,
	}
	if err := s.table.Upsert(ctx, entry); err != nil {
		return err
	}

	s.mu.Lock()
	s.reminders[keyOf(entry)] = &scheduled{entry: entry, next: entry.StartAt}
	n := len(s.reminders)
	s.mu.Unlock()

	s.updateGauge(n)
	s.logger.Debug("Reminder registered",
		zap.String("entity", id.String()),
		zap.String("name", name),
		zap.Duration("period", period))
	return nil
}

// Unregister deletes a reminder
func (s *Service) Unregister(ctx context.Context, id cluster.EntityID, name string) error {
	if err := s.table.Delete(ctx, id, name); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.reminders, entryKey{entity: id, name: name})
	n := len(s.reminders)
	s.mu.Unlock()

	s.updateGauge(n)
	return nil
}

// Count returns the number of known reminders
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reminders)
}

func (s *Service) updateGauge(n int) {
	if s.metrics != nil {
		s.metrics.UpdateRemindersActive(n)
	}
}

// reload replaces the schedule with the table contents, keeping the next
// firing time of reminders already known
func (s *Service) reload(ctx context.Context) error {
	entries, err := s.table.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load reminders: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	fresh := make(map[entryKey]*scheduled, len(entries))
	for _, e := range entries {
		k := keyOf(e)
		if old, ok := s.reminders[k]; ok && old.entry == e {
			fresh[k] = old
			continue
		}
		next := e.StartAt
		if next.Before(now) {
			next = e.NextAfter(now)
		}
		fresh[k] = &scheduled{entry: e, next: next}
	}
	s.reminders = fresh
	n := len(fresh)
	s.mu.Unlock()

	s.updateGauge(n)
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Resolution)
	defer ticker.Stop()
	lastReload := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastReload) >= s.config.ReloadInterval {
				if err := s.reload(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("Failed to reload reminders", zap.Error(err))
				}
				lastReload = now
			}
			s.fireDue(now)
		}
	}
}

// fireDue submits every due reminder placed on this silo. Missed periods are
// skipped, not replayed.
func (s *Service) fireDue(now time.Time) {
	s.mu.Lock()
	due := make([]Entry, 0)
	for _, r := range s.reminders {
		if r.next.After(now) {
			continue
		}
		r.next = r.entry.NextAfter(now)
		if s.owns == nil || s.owns(r.entry.Entity) {
			due = append(due, r.entry)
		}
	}
	invoker := s.invoker
	s.mu.Unlock()

	for _, e := range due {
		e := e
		tick := cluster.ReminderTick{Name: e.Name, Period: e.Period, Time: now.UTC()}
		err := s.pool.Submit(workerpool.Job{
			ID:     uuid.NewString(),
			Target: e.Entity.String(),
			Run: func(ctx context.Context) error {
				args, err := json.Marshal(tick)
				if err != nil {
					return err
				}
				_, err = invoker.InvokeEntity(ctx, e.Entity, cluster.MethodReminder, args)
				return err
			},
		})
		if err != nil {
			s.logger.Warn("Dropped reminder tick",
				zap.String("entity", e.Entity.String()),
				zap.String("name", e.Name),
				zap.Error(err))
		}
	}
}

// Package scheduler runs delayed unlock calls. Each task fires once after
// the configured delay unless cancelled first. With a Journal, pending tasks
// survive restarts and are re-armed by Restore.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("scheduler: closed")

// Unlock identifies whose access to grant.
type Unlock struct {
	EventID    string `json:"event_id"`
	Email      string `json:"email"`
	PurchaseID string `json:"purchase_id"`
}

// Task is a scheduled unlock.
type Task struct {
	ID string `json:"id"`
	Unlock
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
}

// FireFunc performs the unlock. It owns logging and reporting of the
// outcome; the scheduler does not retry.
type FireFunc func(ctx context.Context, t Task)

// Journal persists pending tasks.
type Journal interface {
	Save(ctx context.Context, t Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Task, error)
}

type Options struct {
	Delay   time.Duration
	Fire    FireFunc
	Journal Journal // optional
	Logger  *zap.Logger
}

type entry struct {
	task  Task
	timer *time.Timer
}

type Scheduler struct {
	delay   time.Duration
	fire    FireFunc
	journal Journal
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
	running sync.WaitGroup
}

func New(opts Options) *Scheduler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		delay:   opts.Delay,
		fire:    opts.Fire,
		journal: opts.Journal,
		log:     log,
		now:     time.Now,
		pending: make(map[string]*entry),
	}
}

// Schedule journals the task (when a journal is set) and arms its timer.
// A journal failure aborts scheduling.
func (s *Scheduler) Schedule(ctx context.Context, u Unlock) (Task, error) {
	now := s.now().UTC()
	t := Task{
		ID:        uuid.NewString(),
		Unlock:    u,
		DueAt:     now.Add(s.delay),
		CreatedAt: now,
	}
	if s.isClosed() {
		return Task{}, ErrClosed
	}
	if s.journal != nil {
		if err := s.journal.Save(ctx, t); err != nil {
			return Task{}, err
		}
	}
	if err := s.arm(t, s.delay); err != nil {
		return Task{}, err
	}
	s.log.Info("unlock scheduled",
		zap.String("task_id", t.ID),
		zap.String("event_id", u.EventID),
		zap.String("purchase_id", u.PurchaseID),
		zap.Time("due_at", t.DueAt),
	)
	return t, nil
}

// Restore re-arms journaled tasks. Overdue tasks fire immediately.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	tasks, err := s.journal.List(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	restored := 0
	for _, t := range tasks {
		if s.has(t.ID) {
			continue
		}
		wait := t.DueAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		if err := s.arm(t, wait); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// Cancel drops a pending task from the journal and stops its timer. It
// returns false when the task is unknown or already firing. A journal
// failure leaves the task armed.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	if !s.has(id) {
		return false, nil
	}
	if s.journal != nil {
		if err := s.journal.Delete(ctx, id); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	e, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		e.timer.Stop()
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	s.log.Info("unlock cancelled", zap.String("task_id", id), zap.String("event_id", e.task.EventID))
	return true, nil
}

// Pending lists armed tasks ordered by due time.
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.task)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// Len is the number of armed tasks.
func (s *Scheduler) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown stops all timers and waits for in-flight fires until ctx ends.
// Journaled tasks are left in place for the next Restore.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) arm(t Task, wait time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := &entry{task: t}
	e.timer = time.AfterFunc(wait, func() { s.run(t.ID) })
	s.pending[t.ID] = e
	return nil
}

func (s *Scheduler) run(id string) {
	s.mu.Lock()
	e, ok := s.pending[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	ctx := context.Background()
	if s.fire != nil {
		s.fire(ctx, e.task)
	}
	if s.journal != nil {
		if err := s.journal.Delete(ctx, id); err != nil {
			s.log.Warn("unlock journal delete failed", zap.String("task_id", id), zap.Error(err))
		}
	}
}

func (s *Scheduler) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

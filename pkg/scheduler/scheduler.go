// Package scheduler triggers job executions from interval and crontab
// schedule entries.
//
// A single goroutine sleeps until the earliest next trigger and fires every
// due entry in its own goroutine. Entries whose trigger was missed while the
// process was down fire once on load, then resume from the current time.
// Reloading replaces the entry set; a disabled or removed entry stops
// firing but executions it already started are left alone.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/telemetry"
)

// Store persists schedule entries and their last trigger time.
type Store interface {
	ListScheduleEntries(ctx context.Context) ([]*engine.ScheduleEntry, error)
	MarkScheduleTriggered(ctx context.Context, id string, at time.Time) error
}

// Options configures the scheduler.
type Options struct {
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Telemetry *telemetry.Telemetry
}

// Scheduler fires schedule entries through an execution trigger.
type Scheduler struct {
	store   Store
	trigger engine.ExecutionTrigger
	now     func() time.Time
	tel     *telemetry.Telemetry

	mu      sync.Mutex
	entries map[string]*entry
	wake    chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	def      engine.ScheduleEntry
	schedule cron.Schedule
	next     time.Time
}

// New creates a scheduler. Call Reload to load entries and Run to start it.
func New(store Store, trigger engine.ExecutionTrigger, opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:   store,
		trigger: trigger,
		now:     opts.Now,
		tel:     opts.Telemetry,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Reload reads the entries from the store and replaces the active set.
// Entries whose definition did not change keep their next trigger time.
func (s *Scheduler) Reload(ctx context.Context) error {
	defs, err := s.store.ListScheduleEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedule entries: %w", err)
	}

	now := s.now()
	next := make(map[string]*entry, len(defs))
	var invalid int

	s.mu.Lock()
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		if cur, ok := s.entries[def.ID]; ok && sameTrigger(cur.def, *def) {
			cur.def = *def
			next[def.ID] = cur
			continue
		}
		schedule, err := Parse(def.Type, def.Schedule)
		if err != nil {
			invalid++
			log.Warn().Err(err).Str("schedule_id", def.ID).Msg("Skipping invalid schedule entry")
			continue
		}
		next[def.ID] = &entry{
			def:      *def,
			schedule: schedule,
			next:     firstRun(schedule, def.LastTriggeredAt, now),
		}
	}
	removed := 0
	for id := range s.entries {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	s.entries = next
	s.mu.Unlock()

	s.poke()

	log.Info().
		Int("active", len(next)).
		Int("removed", removed).
		Int("invalid", invalid).
		Msg("Schedule entries loaded")
	return nil
}

// firstRun returns the first trigger time of a freshly loaded entry. A
// trigger missed since the last run fires once immediately.
func firstRun(schedule cron.Schedule, last *time.Time, now time.Time) time.Time {
	if last == nil {
		return schedule.Next(now)
	}
	if due := schedule.Next(*last); !due.After(now) {
		return now
	}
	return schedule.Next(*last)
}

func sameTrigger(a, b engine.ScheduleEntry) bool {
	return a.JobID == b.JobID && a.Type == b.Type && a.Schedule == b.Schedule
}

// Next returns the next trigger time of an active entry.
func (s *Scheduler) Next(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Entries returns the ids of the active entries, sorted.
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Run fires entries until ctx is cancelled, then waits for in-flight
// triggers to return.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait, ok := s.untilNext()
		if !ok {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	for _, e := range s.entries {
		if earliest.IsZero() || e.next.Before(earliest) {
			earliest = e.next
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []engine.ScheduleEntry
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		due = append(due, e.def)
		e.next = e.schedule.Next(now)
	}
	s.mu.Unlock()

	for _, def := range due {
		s.wg.Add(1)
		go func(def engine.ScheduleEntry) {
			defer s.wg.Done()
			s.fire(ctx, def, now)
		}(def)
	}
}

// fire records the trigger time and starts the job. The trigger time is
// persisted even when the start is refused so the tick is not caught up
// again after a restart.
func (s *Scheduler) fire(ctx context.Context, def engine.ScheduleEntry, at time.Time) {
	logger := log.With().Str("schedule_id", def.ID).Str("job_id", def.JobID).Logger()

	if err := s.store.MarkScheduleTriggered(ctx, def.ID, at); err != nil {
		logger.Warn().Err(err).Msg("Failed to record schedule trigger")
	}

	id, err := s.trigger.TriggerEntry(ctx, def)
	switch {
	case err == nil:
		s.tel.Meter().RecordScheduleTrigger(string(def.Type), "started")
		logger.Info().Int64("history_id", id).Msg("Schedule entry triggered")
	case engine.HasCode(err, engine.ErrCodeAlreadyRunning):
		s.tel.Meter().RecordScheduleTrigger(string(def.Type), "skipped")
		logger.Info().Msg("Previous execution still running, trigger skipped")
	default:
		s.tel.Meter().RecordScheduleTrigger(string(def.Type), "failed")
		logger.Error().Err(err).Msg("Schedule entry trigger failed")
	}

	s.tel.Emit(ctx, telemetry.EventTypeScheduleTriggered, map[string]interface{}{
		"schedule_id": def.ID,
		"job_id":      def.JobID,
		"history_id":  id,
		"error":       errString(err),
	})
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Parse builds the schedule of an entry. Intervals are Go durations or a
// number of seconds; crontab entries use the five-field syntax or a
// descriptor such as @hourly.
func Parse(kind engine.ScheduleType, expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch kind {
	case engine.ScheduleInterval:
		d, err := parseInterval(expr)
		if err != nil {
			return nil, err
		}
		return interval(d), nil
	case engine.ScheduleCrontab:
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid crontab %q: %w", expr, err)
		}
		return schedule, nil
	default:
		return nil, fmt.Errorf("invalid schedule type: %s", kind)
	}
}

func parseInterval(expr string) (time.Duration, error) {
	d, err := time.ParseDuration(expr)
	if err != nil {
		secs, convErr := strconv.ParseInt(expr, 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("invalid interval %q: %w", expr, err)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", expr)
	}
	return d, nil
}

// interval fires every d, counted from the previous trigger.
type interval time.Duration

func (i interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/polemarch/pkg/engine"
)

type memStore struct {
	mu        sync.Mutex
	entries   map[string]*engine.ScheduleEntry
	triggered map[string]time.Time
}

func newMemStore(entries ...engine.ScheduleEntry) *memStore {
	s := &memStore{entries: map[string]*engine.ScheduleEntry{}, triggered: map[string]time.Time{}}
	for i := range entries {
		s.put(entries[i])
	}
	return s
}

func (s *memStore) put(e engine.ScheduleEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = &e
}

func (s *memStore) ListScheduleEntries(context.Context) ([]*engine.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*engine.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (s *memStore) MarkScheduleTriggered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered[id] = at
	if e, ok := s.entries[id]; ok {
		e.LastTriggeredAt = &at
	}
	return nil
}

type countingTrigger struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (c *countingTrigger) TriggerEntry(_ context.Context, entry engine.ScheduleEntry) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[entry.ID]++
	return int64(c.calls[entry.ID]), c.err
}

func (c *countingTrigger) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParse(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	tests := []struct {
		kind    engine.ScheduleType
		expr    string
		want    time.Time
		wantErr bool
	}{
		{engine.ScheduleInterval, "90s", base.Add(90 * time.Second), false},
		{engine.ScheduleInterval, "600", base.Add(10 * time.Minute), false},
		{engine.ScheduleInterval, "0", time.Time{}, true},
		{engine.ScheduleInterval, "-5m", time.Time{}, true},
		{engine.ScheduleInterval, "often", time.Time{}, true},
		{engine.ScheduleCrontab, "*/15 * * * *", time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), false},
		{engine.ScheduleCrontab, "0 3 * * *", time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC), false},
		{engine.ScheduleCrontab, "@hourly", time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), false},
		{engine.ScheduleCrontab, "61 * * * *", time.Time{}, true},
		{engine.ScheduleCrontab, "* * *", time.Time{}, true},
		{"weekly", "1h", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+" "+tt.expr, func(t *testing.T) {
			schedule, err := Parse(tt.kind, tt.expr)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if got := schedule.Next(base); !got.Equal(tt.want) {
				t.Errorf("Next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFirstRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	hourly := interval(time.Hour)
	at := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}

	tests := []struct {
		name string
		last *time.Time
		want time.Time
	}{
		{"never triggered", nil, now.Add(time.Hour)},
		{"not yet due", at(-30 * time.Minute), now.Add(30 * time.Minute)},
		{"one missed tick", at(-90 * time.Minute), now},
		{"many missed ticks fire once", at(-48 * time.Hour), now},
		{"due exactly now", at(-time.Hour), now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstRun(hourly, tt.last, now); !got.Equal(tt.want) {
				t.Errorf("firstRun = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestScheduler_IntervalFires(t *testing.T) {
	store := newMemStore(engine.ScheduleEntry{
		ID: "ping", JobID: "ping-all", Type: engine.ScheduleInterval, Schedule: "30ms", Enabled: true,
	})
	trigger := &countingTrigger{}
	s := New(store, trigger, Options{})
	start(t, s)

	eventually(t, "two triggers", func() bool { return trigger.count("ping") >= 2 })

	store.mu.Lock()
	_, marked := store.triggered["ping"]
	store.mu.Unlock()
	if !marked {
		t.Error("trigger time was not persisted")
	}
}

func TestScheduler_CatchUpFiresOnce(t *testing.T) {
	last := time.Now().Add(-5 * time.Hour)
	store := newMemStore(engine.ScheduleEntry{
		ID: "nightly", JobID: "backup", Type: engine.ScheduleInterval, Schedule: "1h",
		Enabled: true, LastTriggeredAt: &last,
	})
	trigger := &countingTrigger{}
	s := New(store, trigger, Options{})
	start(t, s)

	eventually(t, "catch-up trigger", func() bool { return trigger.count("nightly") == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := trigger.count("nightly"); n != 1 {
		t.Fatalf("catch-up fired %d times", n)
	}

	next, ok := s.Next("nightly")
	if !ok || time.Until(next) < 59*time.Minute {
		t.Errorf("schedule did not resume from now: next = %s", next)
	}
}

func TestScheduler_DisableStopsFutureTriggers(t *testing.T) {
	entry := engine.ScheduleEntry{ID: "ping", JobID: "ping-all", Type: engine.ScheduleInterval, Schedule: "20ms", Enabled: true}
	store := newMemStore(entry)
	trigger := &countingTrigger{}
	s := New(store, trigger, Options{})
	start(t, s)

	eventually(t, "first trigger", func() bool { return trigger.count("ping") >= 1 })

	entry.Enabled = false
	store.put(entry)
	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := trigger.count("ping")

	time.Sleep(150 * time.Millisecond)
	if after := trigger.count("ping"); after > before+1 {
		t.Errorf("disabled entry kept firing: %d -> %d", before, after)
	}
	if len(s.Entries()) != 0 {
		t.Errorf("Entries() = %v", s.Entries())
	}
}

func TestScheduler_ReloadKeepsUnchangedEntries(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	store := newMemStore(
		engine.ScheduleEntry{ID: "a", JobID: "j", Type: engine.ScheduleInterval, Schedule: "1h", Enabled: true},
		engine.ScheduleEntry{ID: "b", JobID: "j", Type: engine.ScheduleCrontab, Schedule: "0 * * * *", Enabled: true},
		engine.ScheduleEntry{ID: "bad", JobID: "j", Type: engine.ScheduleCrontab, Schedule: "not cron", Enabled: true},
	)
	s := New(store, &countingTrigger{}, Options{Now: func() time.Time { return clock }})
	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.Entries(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Entries() = %v", got)
	}

	clock = now.Add(10 * time.Minute)
	store.put(engine.ScheduleEntry{ID: "b", JobID: "j", Type: engine.ScheduleInterval, Schedule: "5m", Enabled: true})
	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if next, _ := s.Next("a"); !next.Equal(now.Add(time.Hour)) {
		t.Errorf("unchanged entry rescheduled: %s", next)
	}
	if next, _ := s.Next("b"); !next.Equal(clock.Add(5 * time.Minute)) {
		t.Errorf("changed entry not rescheduled: %s", next)
	}
}

func TestScheduler_RefusedTriggerStillRecorded(t *testing.T) {
	store := newMemStore(engine.ScheduleEntry{
		ID: "busy", JobID: "long", Type: engine.ScheduleInterval, Schedule: "20ms", Enabled: true,
	})
	trigger := &countingTrigger{err: engine.NewConflictError("job is already running", nil).WithCode(engine.ErrCodeAlreadyRunning)}
	s := New(store, trigger, Options{})
	start(t, s)

	eventually(t, "refused triggers", func() bool { return trigger.count("busy") >= 2 })
	store.mu.Lock()
	_, marked := store.triggered["busy"]
	store.mu.Unlock()
	if !marked {
		t.Error("refused trigger was not recorded")
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	if err := os.WriteFile(path, []byte("jobs: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := Watch(ctx, path, 20*time.Millisecond, func(context.Context) error {
		reloaded <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("jobs: [a]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered")
	}
}

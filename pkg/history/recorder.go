// Package history records execution output as numbered lines and serves it back
// in pages. Each record has a single writer; readers never block it.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/engine"
	"github.com/openfroyo/polemarch/pkg/stores"
)

// ClearedText replaces the whole output of a cleared record.
const ClearedText = "Output truncated."

const (
	// DefaultPageSize is used when a page request has no limit.
	DefaultPageSize = 100

	// MaxPageSize bounds a single page.
	MaxPageSize = 1000
)

// Store is the persistence the recorder needs.
type Store interface {
	GetHistory(ctx context.Context, id int64) (*engine.ExecutionRecord, error)
	AppendHistoryLine(ctx context.Context, line *engine.HistoryLine) error
	MaxHistoryLine(ctx context.Context, historyID int64) (int64, error)
	ListHistoryLines(ctx context.Context, historyID, after int64, limit int) ([]engine.HistoryLine, error)
	ReplaceHistoryLines(ctx context.Context, historyID int64, text string, at time.Time) error
}

// Page selects lines numbered after After, at most Limit of them.
type Page struct {
	After int64 `json:"after"`
	Limit int   `json:"limit"`
}

func (p Page) normalize() Page {
	if p.After < 0 {
		p.After = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Recorder appends and reads execution output.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a recorder backed by store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Writer returns the line writer of a record, continuing after any stored lines.
// Only one writer may exist per record.
func (r *Recorder) Writer(ctx context.Context, historyID int64) (*LineWriter, error) {
	last, err := r.store.MaxHistoryLine(ctx, historyID)
	if err != nil {
		return nil, err
	}
	return &LineWriter{recorder: r, historyID: historyID, last: last}, nil
}

// Lines returns one page of lines in ordinal order.
func (r *Recorder) Lines(ctx context.Context, historyID int64, page Page) ([]engine.HistoryLine, error) {
	if _, err := r.record(ctx, historyID); err != nil {
		return nil, err
	}
	page = page.normalize()
	return r.store.ListHistoryLines(ctx, historyID, page.After, page.Limit)
}

// Raw returns the whole output as text, one newline-terminated line per record line.
func (r *Recorder) Raw(ctx context.Context, historyID int64) (string, error) {
	if _, err := r.record(ctx, historyID); err != nil {
		return "", err
	}

	var sb strings.Builder
	err := r.each(ctx, historyID, func(line engine.HistoryLine) {
		sb.WriteString(line.Text)
		sb.WriteByte('\n')
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Clear replaces all lines of a finished record with ClearedText.
// Records in DELAY or RUN, and records already cleared, are rejected.
func (r *Recorder) Clear(ctx context.Context, historyID int64) error {
	err := r.store.ReplaceHistoryLines(ctx, historyID, ClearedText, r.now())
	switch {
	case err == nil:
		log.Info().Int64("history_id", historyID).Msg("History output cleared")
		return nil
	case errors.Is(err, stores.ErrHistoryActive), errors.Is(err, stores.ErrHistoryCleared):
		return engine.NewNotAcceptableError("job is running or output already truncated").
			WithResource(strconv.FormatInt(historyID, 10)).
			WithOperation("clear")
	case errors.Is(err, stores.ErrNotFound):
		return engine.NewNotFoundError("history", strconv.FormatInt(historyID, 10))
	default:
		return fmt.Errorf("failed to clear history %d: %w", historyID, err)
	}
}

// Facts extracts per-host results from a finished record's output.
// Blocks that cannot be parsed are skipped.
func (r *Recorder) Facts(ctx context.Context, historyID int64) (map[string]map[string]any, error) {
	record, err := r.record(ctx, historyID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsActive() {
		return nil, engine.NewNotAcceptableError("job is still running").
			WithResource(strconv.FormatInt(historyID, 10)).
			WithOperation("facts")
	}

	parser := NewFactsParser()
	if err := r.each(ctx, historyID, func(line engine.HistoryLine) {
		parser.Feed(line.Text)
	}); err != nil {
		return nil, err
	}
	return parser.Result(), nil
}

func (r *Recorder) record(ctx context.Context, historyID int64) (*engine.ExecutionRecord, error) {
	record, err := r.store.GetHistory(ctx, historyID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewNotFoundError("history", strconv.FormatInt(historyID, 10))
	}
	return record, err
}

// each streams all lines page by page.
func (r *Recorder) each(ctx context.Context, historyID int64, fn func(engine.HistoryLine)) error {
	var after int64
	for {
		lines, err := r.store.ListHistoryLines(ctx, historyID, after, MaxPageSize)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fn(line)
		}
		if len(lines) < MaxPageSize {
			return nil
		}
		after = lines[len(lines)-1].Number
	}
}

// LineWriter appends lines to one record with gapless ordinals.
type LineWriter struct {
	recorder  *Recorder
	historyID int64

	mu   sync.Mutex
	last int64
}

// Append stores text as the next line and returns its ordinal.
// A trailing newline or carriage return is stripped. The ordinal is only
// consumed when the line was stored.
func (w *LineWriter) Append(ctx context.Context, text string) (int64, error) {
	text = strings.TrimRight(text, "\r\n")

	w.mu.Lock()
	defer w.mu.Unlock()

	line := &engine.HistoryLine{
		HistoryID: w.historyID,
		Number:    w.last + 1,
		Text:      text,
		EmittedAt: w.recorder.now(),
	}
	if err := w.recorder.store.AppendHistoryLine(ctx, line); err != nil {
		return 0, err
	}
	w.last = line.Number
	return line.Number, nil
}

// Count returns the number of lines written so far.
func (w *LineWriter) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

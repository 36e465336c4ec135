package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/polemarch/pkg/stores"
)

// Facts gathered by setup runs are stored under this namespace and key.
const (
	FactsNamespace = "ansible.setup"
	FactsKey       = "facts"
)

// persistFacts stores the per-host results of a finished setup run.
// Failures are logged; they never change the execution outcome.
func (e *Executor) persistFacts(ctx context.Context, historyID int64) {
	hosts, err := e.recorder.Facts(ctx, historyID)
	if err != nil {
		log.Warn().Err(err).Int64("history_id", historyID).Msg("Failed to extract facts")
		return
	}

	now := time.Now().UTC()
	var expiresAt *time.Time
	if e.opts.FactsTTL > 0 {
		t := now.Add(e.opts.FactsTTL)
		expiresAt = &t
	}

	stored := 0
	for host, result := range hosts {
		payload := result
		if facts, ok := result["ansible_facts"].(map[string]any); ok {
			payload = facts
		}
		value, err := json.Marshal(payload)
		if err != nil {
			log.Warn().Err(err).Str("host", host).Msg("Failed to encode facts")
			continue
		}

		fact := &stores.Fact{
			ID:        uuid.NewString(),
			TargetID:  host,
			Namespace: FactsNamespace,
			Key:       FactsKey,
			Value:     string(value),
			TTL:       int(e.opts.FactsTTL.Seconds()),
			ExpiresAt: expiresAt,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.store.UpsertFact(ctx, fact); err != nil {
			log.Warn().Err(err).Str("host", host).Int64("history_id", historyID).Msg("Failed to store facts")
			continue
		}
		stored++
	}

	log.Debug().Int64("history_id", historyID).Int("hosts", stored).Msg("Facts stored")
}

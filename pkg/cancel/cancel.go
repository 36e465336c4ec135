// Package cancel implements the cancellation rendezvous between callers that
// want an execution stopped and the executor that owns it.
//
// A caller stores a short-lived token under the execution's key; the executor
// polls the key and consumes the token. Tokens nobody consumes expire.
package cancel

import (
	"strconv"
	"time"

	"github.com/openfroyo/polemarch/pkg/engine"
)

// KeyPrefix is prepended to execution ids to form cancellation keys.
const KeyPrefix = "polemarch:cancel:"

// DefaultTTL is how long a cancellation request stays visible.
const DefaultTTL = 10 * time.Second

// KeyFor returns the cancellation key of an execution.
func KeyFor(historyID int64) string {
	return KeyPrefix + strconv.FormatInt(historyID, 10)
}

var (
	_ engine.CancellationChannel = (*MemoryChannel)(nil)
	_ engine.CancellationChannel = (*RedisChannel)(nil)
)

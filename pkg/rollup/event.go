package rollup

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/rollupd/pkg/metrics"
)

// EventName is the emitter event under which rollup events are published.
const EventName = "rollup"

// NumShards is the number of shards locators are spread over.
const NumShards = 128

// RollupEvent announces that a rollup has been persisted.
// Locator and Range may be zero for synthetic events. Listeners receive
// copies and must not mutate Payload.
type RollupEvent struct {
	Locator     metrics.Locator `json:"locator,omitempty"`
	Payload     any             `json:"payload,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Granularity Granularity     `json:"granularity"`
	Range       Range           `json:"range"`
	Shard       int             `json:"shard"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewRollupEvent builds the event announcing a persisted write.
func NewRollupEvent(wc *WriteContext) RollupEvent {
	loc := wc.Locator()
	return RollupEvent{
		Locator:     loc,
		Payload:     wc.Stats,
		Unit:        wc.Unit,
		Granularity: wc.Granularity,
		Range:       wc.Range,
		Shard:       ShardFor(loc),
		Timestamp:   wc.Range.Start,
	}
}

// ShardFor maps a locator to its shard.
func ShardFor(loc metrics.Locator) int {
	return int(xxhash.Sum64String(string(loc)) % NumShards)
}

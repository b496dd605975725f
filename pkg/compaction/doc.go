/*
Package compaction generates rollups: coarser summaries of finer data.

# Granularity Ladder

Every level is built from the level below it:

	full (raw points)
	  ↓ 5m     one rollup per 5-minute bucket
	  ↓ 20m    built from 5m rollups
	  ↓ 60m    built from 20m rollups
	  ↓ 240m   built from 60m rollups
	  ↓ 1440m  built from 240m rollups

A rollup stores sum, count, min and max in reserved labels, with the average
as its value. Because sum and count are kept, rolling up rollups gives the
same result as rolling up the raw points directly.

# Rollup Pass

RollupPass handles one granularity over one range:

 1. Query the finer level for the range.
 2. Group points by series and bucket, merging their stats.
 3. Enqueue every rollup on a fresh batchwriter.BatchWriter bound to a new
    rollup.ExecutionContext, then DrainBatch the remainder.
 4. Wait until the execution context reports every write finished.
 5. Emit a rollup.RollupEvent for every persisted rollup.

Writes are keyed by series, granularity and bucket start, so re-running a
pass overwrites instead of duplicating.

# Scheduling

The Scheduler keeps the set of dirty slots. Ingestion marks the 5m slot of
every accepted point, and Scheduler.Listener, subscribed to the rollup
event, marks the next coarser slot of every persisted rollup. RunDue picks up
slots whose range ended more than a delay ago so late data can still arrive:

	store := memory.New()
	p, _ := pool.New(4)
	events := emitter.New[rollup.RollupEvent]()

	sched := compaction.NewScheduler()
	events.On(rollup.EventName, sched.Listener())

	c := compaction.New(store, p, events)
	n, err := c.RunDue(ctx, sched, time.Now(), 5*time.Minute)

# Retention

Cleanup deletes raw points older than Retention.Raw. Rollups carry a TTL
per granularity and expire on their own in the badger backend.
*/
package compaction

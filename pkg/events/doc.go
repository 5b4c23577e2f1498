/*
Package events provides the per-range event broadcaster.

Every state transition of a range, network, VM or job is recorded as an
EventLogEntry. The Broadcaster writes the entry to the durable event log and
then fans it out to the live subscribers of that range.

# Architecture

	┌──────────────────── BROADCASTER ─────────────────────────┐
	│                                                           │
	│   Publish(entry)                Notify(entry)             │
	│        │                             │                    │
	│        ▼                             │                    │
	│  ┌──────────────┐                    │                    │
	│  │  Event Log   │ bbolt or SQLite    │                    │
	│  │ (append-only)│                    │                    │
	│  └──────┬───────┘                    │                    │
	│         └──────────────┬─────────────┘                    │
	│                        ▼                                  │
	│              per-range fan-out                            │
	│     ┌──────────────┬──────────────┬──────────────┐        │
	│     ▼              ▼              ▼              ▼        │
	│  sub (buf 64)   sub (buf 64)   sub (buf 64)   Relays      │
	│  drop on full   drop on full   drop on full   (Redis)     │
	└───────────────────────────────────────────────────────────┘

Publishing never blocks on a subscriber. When a subscriber's buffer is
full the event is dropped for that subscriber and counted in
cyberrange_events_dropped_total. Observers recover by replaying the durable
log:

	sub := b.Subscribe(rangeID)
	defer b.Unsubscribe(sub)
	missed, _ := b.History(rangeID, types.EventFilter{Since: lastSeen})

Logged timestamps are strictly increasing within a range and live delivery
follows commit order, so a since-query with the last timestamp an observer
saw returns every entry it has not seen.

Entries delivered through Notify (progress ticks) carry ID 0 and are not
persisted.

# Redis relay

When events.redis_addr is set, a RedisRelay mirrors every live event to the
pub/sub channel cyberrange:events:<range_id>. Follow consumes that channel
from another process, for example the CLI's events watch command.
*/
package events

/*
Package storage persists cyberrange state in an embedded BoltDB file.

BoltStore implements Store: ranges with their networks, VMs, templates and
snapshots, the durable job records, the artifact cache index and the per-range
event log. Records are JSON values keyed by id in one bucket per entity, the
same layout for every type, and every write runs in a single bbolt
transaction.

# Architecture

	┌──────────────────── <data_dir>/cyberrange.db ───────────────────┐
	│                                                                   │
	│  ranges      networks     vms        templates    snapshots       │
	│  id → JSON   id → JSON    id → JSON  id → JSON    id → JSON       │
	│                                                                   │
	│  jobs          jobs_active             job_cancels                │
	│  id → JSON     kind|target → job id    job id → requested         │
	│                                                                   │
	│  artifacts     events                                             │
	│  key → JSON    <range id>/<seq> → JSON                            │
	└───────────────────────────────────────────────────────────────────┘

	┌──────────── <data_dir>/events.db (optional) ────────────┐
	│  SQLiteEventLog: event_log(range_id, ts, …)             │
	└──────────────────────────────────────────────────────────┘

# Jobs

Job records carry the guarantees the job engine relies on:

  - CreateJobIfAbsent stores a job unless a non-terminal job with the same
    kind and target exists, which it returns instead. The check and the
    insert happen in one transaction through the jobs_active index.
  - UpdateJob releases the index entry once the job is terminal.
  - TransitionJob is a compare-and-swap on state, used to claim queued jobs.
  - RequestCancel and CancelRequested keep cancellation separate from the
    record, so requesting a cancel never races the job's own writes.

# Event Log

AppendEvent assigns a store-wide sequence id and a timestamp that strictly
increases within a range: a stamp that is not after the range's last entry
becomes last+1ns. A "since" query with the last timestamp a reader saw
returns exactly the entries appended after it. Events
live in a nested bucket per range and go when the range is deleted or when
PruneEvents removes entries past retention.

SQLiteEventLog (modernc.org/sqlite, no cgo) is an alternative event log
backend for deployments that want to query history with SQL. WithEventLog
combines it with a BoltStore:

	bolt, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	events, err := storage.NewSQLiteEventLog(dataDir)
	if err != nil {
		return err
	}
	store := storage.WithEventLog(bolt, events)

# Ordering

ListNetworksByRange and ListVMsByRange return records in declaration order
(their Position field); List* calls over whole buckets return key order.

# Errors

Lookups of missing records wrap ErrNotFound:

	vm, err := store.GetVM(id)
	if storage.IsNotFound(err) {
		// 404
	}

# Concurrency

bbolt allows one writer and many readers. Readers see a consistent snapshot;
writers serialize. The store is safe for concurrent use and holds the file
lock for the life of the process, so two servers cannot share a data
directory.
*/
package storage

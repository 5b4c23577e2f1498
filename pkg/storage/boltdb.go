package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/cyberrange/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRanges       = []byte("ranges")
	bucketNetworks     = []byte("networks")
	bucketVMs          = []byte("vms")
	bucketTemplates    = []byte("templates")
	bucketSnapshots    = []byte("snapshots")
	bucketJobs         = []byte("jobs")
	bucketJobsActive   = []byte("jobs_active")
	bucketJobCancels   = []byte("job_cancels")
	bucketArtifacts    = []byte("artifacts")
	bucketEvents       = []byte("events")
	errStopIteration   = errors.New("stop iteration")
	defaultOpenTimeout = 5 * time.Second
)

// ErrStateConflict is returned by TransitionJob when the job is not in the expected state
var ErrStateConflict = errors.New("job state conflict")

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cyberrange.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: defaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRanges,
			bucketNetworks,
			bucketVMs,
			bucketTemplates,
			bucketSnapshots,
			bucketJobs,
			bucketJobsActive,
			bucketJobCancels,
			bucketArtifacts,
			bucketEvents,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

func get(tx *bolt.Tx, bucket []byte, id, what string, v any) error {
	data := tx.Bucket(bucket).Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func list[T any](tx *bolt.Tx, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if keep == nil || keep(&item) {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

// Range operations
func (s *BoltStore) CreateRange(r *types.Range) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRanges, r.ID, r)
	})
}

func (s *BoltStore) GetRange(id string) (*types.Range, error) {
	var r types.Range
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketRanges, id, "range", &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRanges() ([]*types.Range, error) {
	var ranges []*types.Range
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ranges, err = list[types.Range](tx, bucketRanges, nil)
		return err
	})
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].CreatedAt.Before(ranges[j].CreatedAt) })
	return ranges, err
}

func (s *BoltStore) UpdateRange(r *types.Range) error {
	return s.CreateRange(r) // Same as create (upsert)
}

// DeleteRange removes the range and everything it owns in one transaction
func (s *BoltStore) DeleteRange(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRanges).Get([]byte(id)) == nil {
			return fmt.Errorf("range %s: %w", id, ErrNotFound)
		}

		vms, err := list[types.VM](tx, bucketVMs, func(vm *types.VM) bool { return vm.RangeID == id })
		if err != nil {
			return err
		}
		vmIDs := make(map[string]bool, len(vms))
		for _, vm := range vms {
			vmIDs[vm.ID] = true
			if err := tx.Bucket(bucketVMs).Delete([]byte(vm.ID)); err != nil {
				return err
			}
		}

		snaps, err := list[types.Snapshot](tx, bucketSnapshots, func(sn *types.Snapshot) bool { return vmIDs[sn.VMID] })
		if err != nil {
			return err
		}
		for _, sn := range snaps {
			if err := tx.Bucket(bucketSnapshots).Delete([]byte(sn.ID)); err != nil {
				return err
			}
		}

		nets, err := list[types.Network](tx, bucketNetworks, func(n *types.Network) bool { return n.RangeID == id })
		if err != nil {
			return err
		}
		for _, n := range nets {
			if err := tx.Bucket(bucketNetworks).Delete([]byte(n.ID)); err != nil {
				return err
			}
		}

		if err := deleteEventsTx(tx, id); err != nil {
			return err
		}

		return tx.Bucket(bucketRanges).Delete([]byte(id))
	})
}

// Network operations
func (s *BoltStore) CreateNetwork(n *types.Network) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketNetworks, n.ID, n)
	})
}

func (s *BoltStore) GetNetwork(id string) (*types.Network, error) {
	var n types.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketNetworks, id, "network", &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNetworksByRange(rangeID string) ([]*types.Network, error) {
	var nets []*types.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		nets, err = list[types.Network](tx, bucketNetworks, func(n *types.Network) bool { return n.RangeID == rangeID })
		return err
	})
	sort.SliceStable(nets, func(i, j int) bool { return nets[i].Position < nets[j].Position })
	return nets, err
}

func (s *BoltStore) UpdateNetwork(n *types.Network) error {
	return s.CreateNetwork(n)
}

// VM operations
func (s *BoltStore) CreateVM(vm *types.VM) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketVMs, vm.ID, vm)
	})
}

func (s *BoltStore) GetVM(id string) (*types.VM, error) {
	var vm types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketVMs, id, "vm", &vm)
	})
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs() ([]*types.VM, error) {
	return s.listVMs(nil)
}

func (s *BoltStore) ListVMsByRange(rangeID string) ([]*types.VM, error) {
	return s.listVMs(func(vm *types.VM) bool { return vm.RangeID == rangeID })
}

func (s *BoltStore) ListVMsByNetwork(networkID string) ([]*types.VM, error) {
	return s.listVMs(func(vm *types.VM) bool { return vm.NetworkID == networkID })
}

func (s *BoltStore) listVMs(keep func(*types.VM) bool) ([]*types.VM, error) {
	var vms []*types.VM
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		vms, err = list[types.VM](tx, bucketVMs, keep)
		return err
	})
	sort.SliceStable(vms, func(i, j int) bool { return vms[i].Position < vms[j].Position })
	return vms, err
}

func (s *BoltStore) UpdateVM(vm *types.VM) error {
	return s.CreateVM(vm)
}

// Template operations
func (s *BoltStore) CreateTemplate(t *types.Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemplates, t.ID, t)
	})
}

func (s *BoltStore) GetTemplate(id string) (*types.Template, error) {
	var t types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketTemplates, id, "template", &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) GetTemplateByName(name string) (*types.Template, error) {
	var found *types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var t types.Template
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Name == name {
				found = &t
				return errStopIteration
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("template %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListTemplates() ([]*types.Template, error) {
	var templates []*types.Template
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		templates, err = list[types.Template](tx, bucketTemplates, nil)
		return err
	})
	return templates, err
}

func (s *BoltStore) DeleteTemplate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete([]byte(id))
	})
}

// Snapshot operations
func (s *BoltStore) CreateSnapshot(sn *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSnapshots, sn.ID, sn)
	})
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var sn types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketSnapshots, id, "snapshot", &sn)
	})
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *BoltStore) ListSnapshotsByVM(vmID string) ([]*types.Snapshot, error) {
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		snaps, err = list[types.Snapshot](tx, bucketSnapshots, func(sn *types.Snapshot) bool { return sn.VMID == vmID })
		return err
	})
	return snaps, err
}

func (s *BoltStore) UpdateSnapshot(sn *types.Snapshot) error {
	return s.CreateSnapshot(sn)
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(id))
	})
}

// --- Job Operations ---

// CreateJobIfAbsent stores a job unless another job for the same (kind, target)
// is still active. The lookup and insert share one write transaction, so
// concurrent submissions for the same key collapse onto a single record.
func (s *BoltStore) CreateJobIfAbsent(job *types.Job) (*types.Job, bool, error) {
	var existing *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		active := tx.Bucket(bucketJobsActive)
		key := []byte(job.ActiveKey())

		if id := active.Get(key); id != nil {
			var current types.Job
			if err := get(tx, bucketJobs, string(id), "job", &current); err == nil && !current.State.Terminal() {
				existing = &current
				return nil
			}
		}

		if err := put(tx, bucketJobs, job.ID, job); err != nil {
			return err
		}
		if job.State.Terminal() {
			return active.Delete(key)
		}
		return active.Put(key, []byte(job.ID))
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	return job, true, nil
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketJobs, id, "job", &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveJob returns the non-terminal job for (kind, target)
func (s *BoltStore) GetActiveJob(kind types.JobKind, target types.Target) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketJobsActive).Get([]byte(types.ActiveKey(kind, target)))
		if id == nil {
			return fmt.Errorf("active %s job for %s: %w", kind, target, ErrNotFound)
		}
		return get(tx, bucketJobs, string(id), "job", &job)
	})
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return nil, fmt.Errorf("active %s job for %s: %w", kind, target, ErrNotFound)
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		jobs, err = list[types.Job](tx, bucketJobs, nil)
		return err
	})
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx, bucketJobs, job.ID, job); err != nil {
			return err
		}
		if !job.State.Terminal() {
			return nil
		}
		active := tx.Bucket(bucketJobsActive)
		key := []byte(job.ActiveKey())
		if id := active.Get(key); id != nil && string(id) == job.ID {
			if err := active.Delete(key); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketJobCancels).Delete([]byte(job.ID))
	})
}

func (s *BoltStore) TransitionJob(id string, from, to types.JobState) (*types.Job, error) {
	var job types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := get(tx, bucketJobs, id, "job", &job); err != nil {
			return err
		}
		if job.State != from {
			return fmt.Errorf("job %s is %s, expected %s: %w", id, job.State, from, ErrStateConflict)
		}
		job.State = to
		return put(tx, bucketJobs, id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.Job
		if err := get(tx, bucketJobs, id, "job", &job); err == nil {
			active := tx.Bucket(bucketJobsActive)
			key := []byte(job.ActiveKey())
			if cur := active.Get(key); cur != nil && string(cur) == id {
				if err := active.Delete(key); err != nil {
					return err
				}
			}
		}
		if err := tx.Bucket(bucketJobCancels).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// RequestCancel records a cancellation request outside the job record, which
// only the executing worker writes
func (s *BoltStore) RequestCancel(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(id)) == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return tx.Bucket(bucketJobCancels).Put([]byte(id), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (s *BoltStore) CancelRequested(id string) (bool, error) {
	var requested bool
	err := s.db.View(func(tx *bolt.Tx) error {
		requested = tx.Bucket(bucketJobCancels).Get([]byte(id)) != nil
		return nil
	})
	return requested, err
}

// --- Artifact Operations ---

func (s *BoltStore) PutArtifact(a *types.Artifact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketArtifacts, a.Key, a)
	})
}

func (s *BoltStore) GetArtifact(key string) (*types.Artifact, error) {
	var a types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketArtifacts, key, "artifact", &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListArtifacts() ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		artifacts, err = list[types.Artifact](tx, bucketArtifacts, nil)
		return err
	})
	return artifacts, err
}

func (s *BoltStore) DeleteArtifact(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(key))
	})
}

// --- Event Log ---

// nextTimestamp returns ts, or last+1ns when ts is not after last
func nextTimestamp(ts, last time.Time) time.Time {
	if ts.After(last) {
		return ts
	}
	return last.Add(time.Nanosecond)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// AppendEvent stores the entry in the range's nested bucket keyed by a global
// sequence, so iteration order is creation order
func (s *BoltStore) AppendEvent(entry *types.EventLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEvents)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(entry.RangeID))
		if err != nil {
			return fmt.Errorf("failed to create event bucket for range %s: %w", entry.RangeID, err)
		}

		entry.ID = seq
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		// Timestamps are strictly increasing within a range, so a since-query
		// with the last timestamp a reader saw returns exactly the entries
		// committed after it
		if k, v := b.Cursor().Last(); k != nil {
			var last types.EventLogEntry
			if err := json.Unmarshal(v, &last); err != nil {
				return fmt.Errorf("failed to decode last event for range %s: %w", entry.RangeID, err)
			}
			entry.Timestamp = nextTimestamp(entry.Timestamp, last.Timestamp)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListEvents(rangeID string, filter types.EventFilter) ([]*types.EventLogEntry, error) {
	var entries []*types.EventLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(rangeID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.EventLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !filter.Matches(&e) {
				continue
			}
			entries = append(entries, &e)
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) DeleteEvents(rangeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteEventsTx(tx, rangeID)
	})
}

func deleteEventsTx(tx *bolt.Tx, rangeID string) error {
	root := tx.Bucket(bucketEvents)
	if root.Bucket([]byte(rangeID)) == nil {
		return nil
	}
	return root.DeleteBucket([]byte(rangeID))
}

func (s *BoltStore) PruneEvents(before time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEvents)
		var names [][]byte
		if err := root.ForEachBucket(func(name []byte) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			b := root.Bucket(name)
			var expired [][]byte
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var e types.EventLogEntry
				if err := json.Unmarshal(v, &e); err != nil {
					return err
				}
				if !e.Timestamp.Before(before) {
					// Entries are time ordered within a range
					break
				}
				expired = append(expired, append([]byte(nil), k...))
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(expired)
		}
		return nil
	})
	return removed, err
}

// Package statetracker implements the durable node state described in
// spec §4.3: last-applied LSN, current term, voted-for, current
// leader, and the per-(lsn,table,primary_key) applied-entry index used
// for de-duplication and per-table watermarks.
//
// Every mutation is synced to disk before it becomes observable to any
// other goroutine, matching the durability-before-acknowledgment rule
// in spec §4.3 and §5 ("every write is durable before externally
// observable effects").
package statetracker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wolfscale/wolfscale/internal/wolferr"
)

// AppliedRecord is one applied-entry row kept for de-duplication and
// per-table watermark queries.
type AppliedRecord struct {
	LSN        uint64 `json:"lsn"`
	Table      string `json:"table"`
	PrimaryKey string `json:"primary_key"`
}

// persisted is the on-disk shape of the whole store, written as one
// JSON document per mutation. This is a small keyed store (spec §4.3),
// not a log — correctness, not write amplification, is the concern at
// this node count and write rate.
type persisted struct {
	LastAppliedLSN  uint64          `json:"last_applied_lsn"`
	CurrentTerm     uint64          `json:"current_term"`
	VotedFor        string          `json:"voted_for"`
	CurrentLeaderID string          `json:"current_leader_id"`
	Applied         []AppliedRecord `json:"applied"`
}

// Tracker is exclusively owned by the node process; every access goes
// through its own lock (spec §3 "Ownership").
type Tracker struct {
	mu   sync.RWMutex
	path string
	data persisted

	// tableWatermark[table] = highest LSN applied against that table.
	tableWatermark map[string]uint64
	appliedIndex   map[string]bool // "lsn:table:pk" membership for IsApplied
}

// Open loads (or creates) the state store at dir/state.json.
func Open(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wolferr.Wrap(wolferr.KindIO, err, "create state dir %s", dir)
	}
	path := filepath.Join(dir, "state.json")

	t := &Tracker{
		path:           path,
		tableWatermark: make(map[string]uint64),
		appliedIndex:   make(map[string]bool),
	}

	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &t.data); err != nil {
			return nil, wolferr.Wrap(wolferr.KindStateCorrupted, err, "parse state file %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, wolferr.Wrap(wolferr.KindIO, err, "read state file %s", path)
	}

	for _, rec := range t.data.Applied {
		t.indexApplied(rec)
	}
	return t, nil
}

func (t *Tracker) indexApplied(rec AppliedRecord) {
	if rec.LSN > t.tableWatermark[rec.Table] {
		t.tableWatermark[rec.Table] = rec.LSN
	}
	t.appliedIndex[appliedKey(rec.LSN, rec.Table, rec.PrimaryKey)] = true
}

func appliedKey(lsn uint64, table, pk string) string {
	return fmt.Sprintf("%d:%s:%s", lsn, table, pk)
}

// persistLocked writes the full document durably. Caller holds t.mu.
func (t *Tracker) persistLocked() error {
	raw, err := json.Marshal(t.data)
	if err != nil {
		return wolferr.Wrap(wolferr.KindState, err, "marshal state")
	}
	tmp := t.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return wolferr.Wrap(wolferr.KindIO, err, "open temp state file")
	}
	bw := bufio.NewWriter(f)
	if _, err := bw.Write(raw); err != nil {
		f.Close()
		return wolferr.Wrap(wolferr.KindIO, err, "write state file")
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return wolferr.Wrap(wolferr.KindIO, err, "flush state file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return wolferr.Wrap(wolferr.KindIO, err, "sync state file")
	}
	if err := f.Close(); err != nil {
		return wolferr.Wrap(wolferr.KindIO, err, "close state file")
	}
	// Rename is the atomic swap; the old file is never observed
	// half-written.
	if err := os.Rename(tmp, t.path); err != nil {
		return wolferr.Wrap(wolferr.KindIO, err, "rename state file")
	}
	return nil
}

// LastAppliedLSN returns the durably recorded last-applied LSN.
func (t *Tracker) LastAppliedLSN() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.LastAppliedLSN
}

// SetLastAppliedLSN is idempotent; callers must not regress it, and a
// regression attempt is silently clamped (spec §4.3).
func (t *Tracker) SetLastAppliedLSN(lsn uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsn <= t.data.LastAppliedLSN {
		return nil
	}
	t.data.LastAppliedLSN = lsn
	return t.persistLocked()
}

// CurrentTerm returns the durably recorded current term.
func (t *Tracker) CurrentTerm() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.CurrentTerm
}

// SetCurrentTerm persists term if it advances the current term; a
// regression is a clamped no-op (spec §4.3).
func (t *Tracker) SetCurrentTerm(term uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if term < t.data.CurrentTerm {
		return nil
	}
	if term > t.data.CurrentTerm {
		t.data.VotedFor = ""
	}
	t.data.CurrentTerm = term
	return t.persistLocked()
}

// VotedFor returns who this node voted for in the current term, or ""
// if it hasn't voted yet.
func (t *Tracker) VotedFor() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.VotedFor
}

// SetVote persists term and votedFor together, atomically, before any
// vote-granted response may be observed by the caller — the ordering
// spec §4.3 requires ("a vote response granting a vote for term t must
// not precede the persistence of voted_for=candidate, current_term=t").
func (t *Tracker) SetVote(term uint64, votedFor string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.CurrentTerm = term
	t.data.VotedFor = votedFor
	return t.persistLocked()
}

// CurrentLeader returns the node id this node currently believes is
// leader, or "" if unknown.
func (t *Tracker) CurrentLeader() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.CurrentLeaderID
}

// SetCurrentLeader persists the current leader id.
func (t *Tracker) SetCurrentLeader(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.CurrentLeaderID = id
	return t.persistLocked()
}

// RecordApplied durably records that lsn was applied against table for
// primary key pk, for de-duplication and watermark queries.
func (t *Tracker) RecordApplied(lsn uint64, table, pk string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := AppliedRecord{LSN: lsn, Table: table, PrimaryKey: pk}
	key := appliedKey(lsn, table, pk)
	if t.appliedIndex[key] {
		return nil
	}
	t.data.Applied = append(t.data.Applied, rec)
	t.indexApplied(rec)
	return t.persistLocked()
}

// IsApplied reports whether lsn has already been recorded for table/pk
// — used to make apply idempotent (spec §8 boundary behavior: applying
// an Insert whose LSN is <= last_applied_lsn is a no-op).
func (t *Tracker) IsApplied(lsn uint64, table, pk string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if lsn <= t.data.LastAppliedLSN {
		return true
	}
	return t.appliedIndex[appliedKey(lsn, table, pk)]
}

// TableWatermark returns the highest LSN applied against table.
func (t *Tracker) TableWatermark(table string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tableWatermark[table]
}

// AppliedCount returns the number of applied-entry rows recorded.
func (t *Tracker) AppliedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data.Applied)
}

// AppliedInRange returns every applied-entry row with LSN in [from, to].
func (t *Tracker) AppliedInRange(from, to uint64) []AppliedRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []AppliedRecord
	for _, rec := range t.data.Applied {
		if rec.LSN >= from && rec.LSN <= to {
			out = append(out, rec)
		}
	}
	return out
}

// CleanupBefore discards applied-entry rows strictly below lsn. It
// never truncates below any LSN still referenced by an unapplied
// follower — callers are responsible for only invoking this once every
// follower's match_lsn has advanced past lsn (spec §3 "Ownership").
func (t *Tracker) CleanupBefore(lsn uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.data.Applied[:0]
	for _, rec := range t.data.Applied {
		if rec.LSN >= lsn {
			kept = append(kept, rec)
		}
	}
	t.data.Applied = kept
	return t.persistLocked()
}

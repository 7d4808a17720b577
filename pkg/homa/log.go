package homa

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/homanet/homa/pkg/driver"
)

// LogEntry accumulates per-peer traffic totals. An entry is updated every
// time message bytes are sent to or received from the peer.
type LogEntry struct {
	ReceivedBytes uint64 `json:"received"` // Total received bytes.
	SentBytes     uint64 `json:"sent"`     // Total sent bytes.
}

// LogStore stores traffic log entries.
type LogStore interface {
	Entry(id uuid.UUID) (*LogEntry, error)
	Record(id uuid.UUID, entry *LogEntry) error
}

// peerNamespace salts peer ids so they do not collide with other uuid
// users in the process.
var peerNamespace = uuid.NewSHA1(uuid.Nil, []byte("homa-peer"))

// PeerID derives the stable log key for a peer address.
func PeerID(addr driver.Address) uuid.UUID {
	return uuid.NewSHA1(peerNamespace, []byte(addr))
}

type inMemoryLogStore struct {
	entries map[uuid.UUID]*LogEntry
	mu      sync.Mutex
}

// InMemoryLogStore implements in-memory LogStore.
func InMemoryLogStore() LogStore {
	return &inMemoryLogStore{
		entries: map[uuid.UUID]*LogEntry{},
	}
}

func (ls *inMemoryLogStore) Entry(id uuid.UUID) (*LogEntry, error) {
	ls.mu.Lock()
	entry := ls.entries[id]
	ls.mu.Unlock()

	return entry, nil
}

func (ls *inMemoryLogStore) Record(id uuid.UUID, entry *LogEntry) error {
	ls.mu.Lock()
	if ls.entries == nil {
		ls.entries = make(map[uuid.UUID]*LogEntry)
	}
	ls.entries[id] = entry
	ls.mu.Unlock()
	return nil
}

var boltLogBucket = []byte("traffic")

type boltLogStore struct {
	db *bbolt.DB
}

// BoltLogStore implements LogStore on top of BoltDB.
func BoltLogStore(path string) (LogStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltLogBucket); err != nil {
			return errors.Wrap(err, "failed to create bucket")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &boltLogStore{db: db}, nil
}

func (ls *boltLogStore) Entry(id uuid.UUID) (*LogEntry, error) {
	var entry *LogEntry
	err := ls.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltLogBucket)
		raw := b.Get(id[:])
		if raw == nil {
			return nil
		}
		entry = new(LogEntry)
		return json.Unmarshal(raw, entry)
	})
	return entry, err
}

func (ls *boltLogStore) Record(id uuid.UUID, entry *LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return ls.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltLogBucket).Put(id[:], raw)
	})
}

// Close closes the underlying BoltDB instance.
func (ls *boltLogStore) Close() error {
	if ls == nil {
		return nil
	}
	return ls.db.Close()
}

// TrafficLog aggregates per-peer byte totals in memory and flushes them to
// a LogStore. A nil TrafficLog records nothing.
type TrafficLog struct {
	ls LogStore

	mu      sync.Mutex
	entries map[driver.Address]*LogEntry
}

// NewTrafficLog constructs a TrafficLog over the given store. A nil store
// yields a nil TrafficLog.
func NewTrafficLog(ls LogStore) *TrafficLog {
	if ls == nil {
		return nil
	}
	return &TrafficLog{ls: ls, entries: make(map[driver.Address]*LogEntry)}
}

func (tl *TrafficLog) entry(addr driver.Address) *LogEntry {
	e, ok := tl.entries[addr]
	if !ok {
		if prev, err := tl.ls.Entry(PeerID(addr)); err == nil && prev != nil {
			e = prev
		} else {
			e = new(LogEntry)
		}
		tl.entries[addr] = e
	}
	return e
}

// AddSent accrues sent message bytes for the peer.
func (tl *TrafficLog) AddSent(addr driver.Address, n uint64) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.entry(addr).SentBytes += n
	tl.mu.Unlock()
}

// AddRecv accrues received message bytes for the peer.
func (tl *TrafficLog) AddRecv(addr driver.Address, n uint64) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.entry(addr).ReceivedBytes += n
	tl.mu.Unlock()
}

// Flush writes every dirty entry through to the store.
func (tl *TrafficLog) Flush() error {
	if tl == nil {
		return nil
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var ferr error
	for addr, e := range tl.entries {
		snapshot := *e
		if err := tl.ls.Record(PeerID(addr), &snapshot); err != nil {
			ferr = err
		}
	}
	return ferr
}

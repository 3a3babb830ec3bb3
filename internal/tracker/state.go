package tracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"trackerbot/internal/connector"
)

// PollRecord is the persisted poll state of one channel: the last observed
// snapshot plus the hash of the config that produced it. A record whose
// ConfigHash no longer matches the channel is stale and the channel
// re-baselines.
type PollRecord struct {
	Kind       connector.Kind  `json:"kind"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	ConfigHash uint64          `json:"config_hash"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// StateStore keeps per-channel poll state. Absence of a record means the
// channel polls from a fresh baseline.
type StateStore interface {
	Get(channelID int64) (PollRecord, bool, error)
	Put(channelID int64, rec PollRecord) error
	Delete(channelID int64) error
	Close() error
}

// memState is the in-memory fallback used when no state path is configured.
// Every restart re-baselines all channels.
type memState struct {
	mu   sync.Mutex
	recs map[int64]PollRecord
}

func NewMemState() StateStore {
	return &memState{recs: make(map[int64]PollRecord)}
}

func (m *memState) Get(id int64) (PollRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	return r, ok, nil
}

func (m *memState) Put(id int64, rec PollRecord) error {
	m.mu.Lock()
	m.recs[id] = rec
	m.mu.Unlock()
	return nil
}

func (m *memState) Delete(id int64) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

func (m *memState) Close() error { return nil }

var stateBucket = []byte("poll_state")

type boltState struct {
	db *bolt.DB
}

// OpenBoltState opens (or creates) the bbolt-backed poll state store.
func OpenBoltState(path string) (StateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltState{db: db}, nil
}

func stateKey(id int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func (b *boltState) Get(id int64) (PollRecord, bool, error) {
	var rec PollRecord
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucket).Get(stateKey(id))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("poll state for channel %d: %w", id, err)
		}
		found = true
		return nil
	})
	return rec, found, err
}

func (b *boltState) Put(id int64, rec PollRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey(id), v)
	})
}

func (b *boltState) Delete(id int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete(stateKey(id))
	})
}

func (b *boltState) Close() error { return b.db.Close() }

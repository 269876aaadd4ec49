// Package directory maintains the peer address book: which link address
// reaches which node id, and whether that peer speaks the SEPS interop
// format instead of the native frame codec.
//
// Entries are cached in memory and, when a data directory is given,
// persisted in a bbolt database so a restarted node can redial the peers it
// knew. The address book never stores messages.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the database file created inside the data directory.
const FileName = "peers.db"

var bucketPeers = []byte("peers")

var ErrNoNodeID = errors.New("directory: entry has no node id")

// Entry is one known peer.
type Entry struct {
	NodeID   string `json:"node_id"`
	Addr     string `json:"addr"`      // dialable link address
	Interop  bool   `json:"interop"`   // peer expects SEPS JSON frames
	Secure   bool   `json:"secure"`    // last link to the peer was sealed
	LastSeen int64  `json:"last_seen"` // Unix milliseconds; newer entries replace older ones
}

func (e Entry) LastSeenTime() time.Time { return time.UnixMilli(e.LastSeen) }

// Directory is the address book. It is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	db      *bolt.DB
}

// NewMemory returns a directory that is never written to disk.
func NewMemory() *Directory {
	return &Directory{entries: make(map[string]Entry)}
}

// New opens (or creates) the directory database inside dir and loads every
// stored entry.
func New(dir string) (*Directory, error) {
	db, err := bolt.Open(filepath.Join(dir, FileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	d := &Directory{entries: make(map[string]Entry), db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketPeers)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil && e.NodeID != "" {
				d.entries[e.NodeID] = e
			}
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: load: %w", err)
	}
	return d, nil
}

// Close closes the underlying database, if any.
func (d *Directory) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Put inserts or updates an entry. A zero LastSeen is stamped with the
// current time; entries older than the stored one are ignored.
func (d *Directory) Put(e Entry) error {
	if e.NodeID == "" {
		return ErrNoNodeID
	}
	if e.LastSeen == 0 {
		e.LastSeen = time.Now().UnixMilli()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.entries[e.NodeID]; ok && old.LastSeen > e.LastSeen {
		return nil
	}
	if d.db != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		err = d.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPeers).Put([]byte(e.NodeID), data)
		})
		if err != nil {
			return fmt.Errorf("directory: put %s: %w", e.NodeID, err)
		}
	}
	d.entries[e.NodeID] = e
	return nil
}

// Lookup finds an entry by node id.
func (d *Directory) Lookup(nodeID string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[nodeID]
	return e, ok
}

// LookupByAddr finds the entry whose link address is addr.
func (d *Directory) LookupByAddr(addr string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if e.Addr == addr {
			return e, true
		}
	}
	return Entry{}, false
}

// Remove deletes the entry for nodeID.
func (d *Directory) Remove(nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		err := d.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPeers).Delete([]byte(nodeID))
		})
		if err != nil {
			return fmt.Errorf("directory: remove %s: %w", nodeID, err)
		}
	}
	delete(d.entries, nodeID)
	return nil
}

// All returns every entry sorted by node id.
func (d *Directory) All() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

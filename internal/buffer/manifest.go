package buffer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// pageState is a page's lifecycle stage in the manifest.
type pageState uint8

const (
	statePending pageState = iota
	stateSealed
	stateTransferred
	stateDeleted
)

// pageRecord is the manifest's metadata for one page, independent of
// the flat page file's own bytes.
type pageRecord struct {
	ID    uint64    `json:"id"`
	State pageState `json:"state"`
}

var bucketPages = []byte("pages")

// Manifest is the Buffer's durable page ledger: a small embedded-KV
// bookkeeping store tracking which flat page files exist and their
// lifecycle state (pending -> sealed -> transferred -> deleted),
// mirrored after the teacher's bolt-backed entity buckets but scoped
// to page metadata rather than the revision bytes themselves, which
// stay in the page files §6 specifies.
type Manifest struct {
	db *bolt.DB
}

// OpenManifest opens (creating if absent) the bolt-backed manifest at
// dir/manifest.db.
func OpenManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "manifest.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("buffer: open manifest: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPages)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: init manifest: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Close closes the underlying bolt database.
func (m *Manifest) Close() error { return m.db.Close() }

func pageKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// Put upserts a page's manifest record.
func (m *Manifest) Put(r pageRecord) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPages).Put(pageKey(r.ID), data)
	})
}

// Get reads a page's manifest record; ok is false if the page is
// unknown.
func (m *Manifest) Get(id uint64) (r pageRecord, ok bool, err error) {
	err = m.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPages).Get(pageKey(id))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &r)
	})
	return r, ok, err
}

// List returns every manifest record ordered by page id.
func (m *Manifest) List() ([]pageRecord, error) {
	var out []pageRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r pageRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// SetState transitions an existing page record's state in place.
func (m *Manifest) SetState(id uint64, state pageState) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPages)
		data := b.Get(pageKey(id))
		if data == nil {
			return fmt.Errorf("buffer: manifest has no record for page %d", id)
		}
		var r pageRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.State = state
		out, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(pageKey(id), out)
	})
}

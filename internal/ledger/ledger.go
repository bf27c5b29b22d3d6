// Package ledger is the demotion ledger: a BoltDB-backed sidecar
// recording every authority demotion durably, independent of and in
// addition to the spine itself, per SPEC_FULL.md §4.8a. Adapted from
// internal/storage/bolt.go's bucket layout, key scheme, and
// retention/prune discipline, repurposed from process-isolation
// baselines/audit entries to symbol regime baselines and authority
// demotion records.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/synthdesk/router/internal/authority"
)

const (
	// DefaultDBPath is the default BoltDB file location for the
	// demotion ledger.
	DefaultDBPath = "/var/lib/router/ledger.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default demotion-entry retention
	// period.
	DefaultRetentionDays = 90

	bucketDemotions = "demotions"
	bucketBaselines = "symbol_baselines"
	bucketMeta      = "meta"
)

// DemotionRecord is the persisted form of an authority.DemotionEvent,
// stored in the demotions bucket keyed by a sortable timestamp.
type DemotionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
}

// SymbolBaselineRecord tracks, per symbol, the last observed regime
// and the timestamp it was entered. The ledger stores and returns it
// through PutSymbolBaseline/GetSymbolBaseline; nothing in the runtime
// loop reads or writes it, and the confidence estimator does not
// consult it.
type SymbolBaselineRecord struct {
	Symbol      string    `json:"symbol"`
	LastRegime  string    `json:"last_regime"`
	EnteredAt   time.Time `json:"entered_at"`
	SampleCount int       `json:"sample_count"`
}

// DB wraps a BoltDB instance with typed accessors for the demotion
// ledger and symbol baselines.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at path, initializing
// buckets and verifying schema compatibility.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDemotions, bucketBaselines, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger: database initialization failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("ledger: schema version mismatch: database has %q, router requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// demotionKey mirrors internal/storage/bolt.go's ledgerKey scheme:
// RFC3339Nano timestamp, lexicographically sortable.
func demotionKey(t time.Time) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano))
}

// AppendDemotion durably records a single demotion event. The
// demotion ledger is an audit sidecar, never an authority source — see
// SPEC_FULL.md §8 "ledger non-authority".
func (d *DB) AppendDemotion(ev authority.DemotionEvent) error {
	rec := DemotionRecord{
		Timestamp: ev.Timestamp,
		From:      string(ev.From),
		To:        string(ev.To),
		Trigger:   ev.Trigger,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal demotion record: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDemotions))
		return b.Put(demotionKey(rec.Timestamp), data)
	})
}

// ReadDemotions returns all recorded demotions in chronological order.
func (d *DB) ReadDemotions() ([]DemotionRecord, error) {
	var out []DemotionRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDemotions))
		return b.ForEach(func(_, v []byte) error {
			var rec DemotionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// PutSymbolBaseline writes or updates the baseline record for symbol.
func (d *DB) PutSymbolBaseline(rec SymbolBaselineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal symbol baseline: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		return b.Put([]byte(rec.Symbol), data)
	})
}

// GetSymbolBaseline retrieves the baseline record for symbol. Returns
// (nil, nil) if none exists.
func (d *DB) GetSymbolBaseline(symbol string) (*SymbolBaselineRecord, error) {
	var rec SymbolBaselineRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBaselines))
		data := b.Get([]byte(symbol))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: GetSymbolBaseline(%q): %w", symbol, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// PruneOldDemotions deletes demotion entries older than the
// configured retention window. Returns the number of entries deleted.
func (d *DB) PruneOldDemotions() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := demotionKey(cutoff)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDemotions))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldDemotions delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

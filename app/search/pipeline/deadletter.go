package pipeline

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var failedBucket = []byte("failed_batches")

// Record describes one abandoned batch as stored in the dead letter
// database.
type Record struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
	Time     time.Time       `json:"time"`
	Items    json.RawMessage `json:"items"`
}

func (r *Record) setItems(items interface{}) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	r.Items = data
	return nil
}

// DeadLetter persists abandoned batches so operators can inspect and replay
// permanently failed index jobs. Lives in a small bolt database next to the
// shards.
type DeadLetter struct {
	db *bolt.DB
}

// NewDeadLetter opens or creates the dead letter database at path.
func NewDeadLetter(path string) (*DeadLetter, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open dead letter store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(failedBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "cannot create dead letter bucket")
	}
	return &DeadLetter{db: db}, nil
}

// Save stores the record, keyed by its batch id.
func (d *DeadLetter) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "cannot encode dead letter record")
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(failedBucket).Put([]byte(rec.ID), data)
	})
	return errors.Wrapf(err, "cannot save dead letter record %s", rec.ID)
}

// List returns all recorded failures.
func (d *DeadLetter) List() ([]Record, error) {
	var recs []Record
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(failedBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot list dead letter records")
	}
	return recs, nil
}

// Close the underlying database.
func (d *DeadLetter) Close() error { return d.db.Close() }

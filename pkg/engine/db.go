package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

var rulesBucket = []byte("rules")

// record is what the engine remembers about the last successful run of a
// rule.
type record struct {
	Version string
	Deps    map[string]string
}

func (r *record) sameDeps(deps map[string]string) bool {
	if len(r.Deps) != len(deps) {
		return false
	}
	for name, stamp := range deps {
		if prev, ok := r.Deps[name]; !ok || prev != stamp {
			return false
		}
	}
	return true
}

type database struct {
	lock sync.Mutex
	path string
	db   *bolt.DB
}

func openDatabase(path string) (*database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	// The file lock makes sure only one build runs per project.
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open build database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rulesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize build database")
	}

	return &database{path: path, db: db}, nil
}

func (d *database) get(name string) (*record, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.db == nil {
		return nil, nil
	}

	var rec *record
	err := d.db.View(func(tx *bolt.Tx) error {
		item := tx.Bucket(rulesBucket).Get([]byte(name))
		if item == nil {
			return nil
		}

		rec = new(record)
		return json.Unmarshal(item, rec)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read record for %s", name)
	}
	return rec, nil
}

func (d *database) put(name string, rec *record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.db == nil {
		// dropped during this run
		return nil
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rulesBucket).Put([]byte(name), encoded)
	})
}

func (d *database) close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.db == nil {
		return nil
	}

	err := d.db.Close()
	d.db = nil
	return err
}

// drop closes the database and deletes its file. Later writes are ignored.
func (d *database) drop() error {
	if err := d.close(); err != nil {
		return eris.Wrap(err, "failed to close build database")
	}

	err := os.Remove(d.path)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to delete %s", d.path)
	}
	return nil
}

// Package index manages bleve shards for the fulltext engine. A shard is an
// independently locked index, either the singleton source shard or one
// target-<lang> shard per language. Shards are created lazily on first
// write and persist across restarts.
package index

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// ErrLocked reported when a writer cannot acquire the shard's write lock.
// Recoverable, the caller is expected to retry the whole batch.
var ErrLocked = errors.New("shard write lock held")

// ErrNotExists reported by OpenExisting when the shard was never created.
var ErrNotExists = errors.New("shard does not exist")

// Params configures the registry and the shards it opens.
type Params struct {
	Path      string        // root directory holding one subdirectory per shard
	Analyzer  string        // text analyzer: standard, english or russian
	BatchSize int           // buffered writer auto-flush threshold
	LockWait  time.Duration // transactional writer lock wait budget
}

// Registry owns one handle per open shard, created on first access and
// shared process-wide. Safe for concurrent open-or-fetch calls.
type Registry struct {
	params Params

	mu     sync.RWMutex
	shards map[string]*Shard
	group  singleflight.Group
}

// NewRegistry creates a registry rooted at params.Path.
func NewRegistry(params Params) (*Registry, error) {
	if _, ok := analyzerMapping[params.Analyzer]; !ok {
		analyzers := make([]string, 0, len(analyzerMapping))
		for k := range analyzerMapping {
			analyzers = append(analyzers, k)
		}
		return nil, errors.Errorf("unknown analyzer %q, available analyzers %v", params.Analyzer, analyzers)
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 100
	}
	if params.LockWait <= 0 {
		params.LockWait = 30 * time.Second
	}
	if err := os.MkdirAll(params.Path, 0o700); err != nil {
		return nil, errors.Wrapf(err, "cannot create index root %s", params.Path)
	}
	return &Registry{params: params, shards: map[string]*Shard{}}, nil
}

// Open returns the shard with the given name, creating empty storage
// matching the kind's schema if missing. Idempotent.
func (r *Registry) Open(name string, kind Kind) (*Shard, error) {
	return r.open(name, kind, true)
}

// OpenExisting returns the shard only if its storage is already present,
// ErrNotExists otherwise. Used by the delete and read paths which must not
// create shards as a side effect.
func (r *Registry) OpenExisting(name string, kind Kind) (*Shard, error) {
	return r.open(name, kind, false)
}

func (r *Registry) open(name string, kind Kind, create bool) (*Shard, error) {
	r.mu.RLock()
	shard, has := r.shards[name]
	r.mu.RUnlock()
	if has {
		return shard, nil
	}

	if !create {
		if _, err := os.Stat(filepath.Join(r.params.Path, name)); os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotExists, "shard %q", name)
		}
	}

	res, err, _ := r.group.Do(name, func() (interface{}, error) {
		r.mu.RLock()
		shard, has := r.shards[name]
		r.mu.RUnlock()
		if has {
			return shard, nil
		}
		idx, err := r.openIndex(name, kind)
		if err != nil {
			return nil, err
		}
		s := newShard(name, idx, r.params)
		r.mu.Lock()
		r.shards[name] = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Shard), nil
}

func (r *Registry) openIndex(name string, kind Kind) (bleve.Index, error) {
	fpath := filepath.Join(r.params.Path, name)

	st, errOpen := os.Stat(fpath)
	switch {
	case os.IsNotExist(errOpen):
		log.Printf("[INFO] creating shard %q at %s", name, fpath)
		idx, err := bleve.New(fpath, createIndexMapping(kind, analyzerMapping[r.params.Analyzer]))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot create shard %q", name)
		}
		return idx, nil
	case errOpen == nil:
		if !st.IsDir() {
			return nil, errors.Errorf("shard path %s should be a directory", fpath)
		}
		log.Printf("[INFO] opening existing shard %q at %s", name, fpath)
		idx, err := bleve.Open(fpath)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open shard %q", name)
		}
		return idx, nil
	default:
		return nil, errors.Wrapf(errOpen, "cannot stat shard %q", name)
	}
}

// Close closes all open shards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	errs := new(multierror.Error)
	for name, shard := range r.shards {
		if err := shard.close(); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "cannot close shard %q", name))
		}
	}
	r.shards = map[string]*Shard{}
	return errs.ErrorOrNil()
}

package index

import (
	"context"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/go-pkgz/repeater"
	"github.com/pkg/errors"
)

const txLockRepeats = 30

// Shard is one independently locked bleve index. One writer at a time,
// any number of concurrent readers.
type Shard struct {
	name   string
	idx    bleve.Index
	wlock  chan struct{} // one-writer semaphore
	params Params
}

func newShard(name string, idx bleve.Index, params Params) *Shard {
	return &Shard{name: name, idx: idx, wlock: make(chan struct{}, 1), params: params}
}

// Name of the shard.
func (s *Shard) Name() string { return s.name }

// DocCount reports the number of documents in the shard.
func (s *Shard) DocCount() (uint64, error) {
	count, err := s.idx.DocCount()
	if err != nil {
		return 0, errors.Wrapf(err, "cannot count documents in shard %q", s.name)
	}
	return count, nil
}

// Search runs a read-only query against a point-in-time snapshot of the
// shard. Never blocked by writers.
func (s *Shard) Search(req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	res, err := s.idx.Search(req)
	if err != nil {
		return nil, errors.Wrapf(err, "search failed on shard %q", s.name)
	}
	return res, nil
}

// Tokens analyzes text with the analyzer of the given field.
func (s *Shard) Tokens(field, text string) []string {
	m := s.idx.Mapping()
	analyzer := m.AnalyzerNamed(m.AnalyzerNameForPath(field))
	if analyzer == nil {
		return nil
	}
	stream := analyzer.Analyze([]byte(text))
	tokens := make([]string, 0, len(stream))
	for _, t := range stream {
		tokens = append(tokens, string(t.Term))
	}
	return tokens
}

func (s *Shard) tryLock() bool {
	select {
	case s.wlock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Shard) unlock() { <-s.wlock }

func (s *Shard) close() error { return s.idx.Close() }

func docID(pk int64) string { return strconv.FormatInt(pk, 10) }

// BufferedWriter acquires the shard write lock without waiting, failing
// fast with ErrLocked so bulk jobs can be retried as a whole.
func (s *Shard) BufferedWriter() (*BufferedWriter, error) {
	if !s.tryLock() {
		return nil, errors.Wrapf(ErrLocked, "shard %q", s.name)
	}
	return &BufferedWriter{shard: s, batch: s.idx.NewBatch()}, nil
}

// TxWriter acquires the shard write lock, waiting up to the configured
// budget for a concurrent writer to finish, and applies all collected
// operations as one atomic commit.
func (s *Shard) TxWriter(ctx context.Context) (*TxWriter, error) {
	lock := func() error {
		if !s.tryLock() {
			return ErrLocked
		}
		return nil
	}
	delay := s.params.LockWait / txLockRepeats
	if err := repeater.NewDefault(txLockRepeats, delay).Do(ctx, lock); err != nil {
		return nil, errors.Wrapf(ErrLocked, "shard %q", s.name)
	}
	return &TxWriter{shard: s, batch: s.idx.NewBatch()}, nil
}

// BufferedWriter accumulates document operations and applies them in
// batches, intended for bulk reindexing. Holds the shard write lock until
// Close.
type BufferedWriter struct {
	shard  *Shard
	batch  *bleve.Batch
	closed bool
}

// UpdateDocument inserts or replaces the document for pk.
func (w *BufferedWriter) UpdateDocument(pk int64, doc interface{}) error {
	if err := w.batch.Index(docID(pk), doc); err != nil {
		return errors.Wrapf(err, "cannot add document %d to batch on shard %q", pk, w.shard.name)
	}
	if w.batch.Size() >= w.shard.params.BatchSize {
		return w.flush()
	}
	return nil
}

// DeleteByPK removes the document for pk, a no-op if absent.
func (w *BufferedWriter) DeleteByPK(pk int64) {
	w.batch.Delete(docID(pk))
}

func (w *BufferedWriter) flush() error {
	if w.batch.Size() == 0 {
		return nil
	}
	if err := w.shard.idx.Batch(w.batch); err != nil {
		return errors.Wrapf(err, "cannot flush batch to shard %q", w.shard.name)
	}
	w.batch.Reset()
	return nil
}

// Close flushes pending operations and releases the write lock.
func (w *BufferedWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.flush()
	w.shard.unlock()
	return err
}

// TxWriter applies all collected operations as a single atomic batch on
// Commit. Holds the shard write lock until Commit or Close.
type TxWriter struct {
	shard *Shard
	batch *bleve.Batch
	done  bool
}

// UpdateDocument inserts or replaces the document for pk.
func (w *TxWriter) UpdateDocument(pk int64, doc interface{}) error {
	return errors.Wrapf(w.batch.Index(docID(pk), doc),
		"cannot add document %d to transaction on shard %q", pk, w.shard.name)
}

// DeleteByPK removes the document for pk, a no-op if absent.
func (w *TxWriter) DeleteByPK(pk int64) {
	w.batch.Delete(docID(pk))
}

// Commit applies the collected operations atomically and releases the lock.
func (w *TxWriter) Commit() error {
	if w.done {
		return errors.Errorf("transaction on shard %q already finished", w.shard.name)
	}
	w.done = true
	defer w.shard.unlock()
	if w.batch.Size() == 0 {
		return nil
	}
	if err := w.shard.idx.Batch(w.batch); err != nil {
		return errors.Wrapf(err, "cannot commit transaction on shard %q", w.shard.name)
	}
	return nil
}

// Close releases the lock without applying anything if Commit was not
// called.
func (w *TxWriter) Close() error {
	if !w.done {
		w.done = true
		w.shard.unlock()
	}
	return nil
}

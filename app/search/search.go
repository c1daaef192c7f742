// Package search provides full-text indexing and retrieval for translation
// units: a source index over the original strings plus one target index per
// language, kept in sync with the backing store through coalescing batch
// queues, with query fan-out and a similarity search on top.
package search

import (
	"context"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/translatum/fulltext/app/search/index"
	"github.com/translatum/fulltext/app/search/pipeline"
	"github.com/translatum/fulltext/app/store"
)

// ErrSearchNotEnabled returned to search requests in case search not enabled
var ErrSearchNotEnabled = errors.New("search not enabled")

// Fulltext is the public search surface.
type Fulltext interface {
	IndexUnits(units []store.Unit) error
	DeleteUnits(pks []int64, byLang map[string][]int64) error
	EnqueueUnitChanged(pk int64)
	EnqueueUnitDeleted(pk int64, lang string)
	Search(query string, langs []string, fields Fields) (map[int64]struct{}, error)
	MoreLike(pk int64, source string, top int) ([]int64, error)
	Flush() error
	Close() error
}

// ServiceParams contains configuration for the search service.
type ServiceParams struct {
	IndexPath      string        // root directory for shards
	Analyzer       string        // standard, english or russian
	FlushCount     int           // batch queue count threshold, default 500
	FlushEvery     time.Duration // batch queue time window, default 300s
	MaxRetries     int           // retry budget per batch, default 1000
	RetryDelay     time.Duration // pause between batch retries, default 1s
	DeadLetterPath string        // empty disables the persistent failure record
}

// Service implements Fulltext over bleve shards.
type Service struct {
	registry   *index.Registry
	units      store.Reader
	catalog    store.LanguageCatalog
	updates    *pipeline.Batcher[int64]
	deletes    *pipeline.Batcher[unitLang]
	deadLetter *pipeline.DeadLetter
}

// unitLang names one (unit, language) pair pending deletion.
type unitLang struct {
	PK   int64  `json:"pk"`
	Lang string `json:"lang"`
}

// NewService creates the search service and starts its batch queues.
func NewService(units store.Reader, catalog store.LanguageCatalog, params ServiceParams) (*Service, error) {
	registry, err := index.NewRegistry(index.Params{Path: params.IndexPath, Analyzer: params.Analyzer})
	if err != nil {
		return nil, errors.Wrap(err, "cannot create index registry")
	}

	s := &Service{registry: registry, units: units, catalog: catalog}

	if params.DeadLetterPath != "" {
		if s.deadLetter, err = pipeline.NewDeadLetter(params.DeadLetterPath); err != nil {
			return nil, errors.Wrap(err, "cannot open dead letter store")
		}
	}

	batchParams := func(kind string) pipeline.Params {
		return pipeline.Params{
			FlushCount: params.FlushCount,
			FlushEvery: params.FlushEvery,
			MaxRetries: params.MaxRetries,
			RetryDelay: params.RetryDelay,
			Kind:       kind,
			DeadLetter: s.deadLetter,
		}
	}
	s.updates = pipeline.New[int64](batchParams("update"), s.flushUpdates)
	s.deletes = pipeline.New[unitLang](batchParams("delete"), s.flushDeletes)
	return s, nil
}

// EnqueueUnitChanged schedules the unit for background reindexing.
func (s *Service) EnqueueUnitChanged(pk int64) {
	s.updates.Add(pk)
}

// EnqueueUnitDeleted schedules removal of the unit's documents from the
// source shard and from the given language's target shard. An empty lang
// removes the source document only.
func (s *Service) EnqueueUnitDeleted(pk int64, lang string) {
	s.deletes.Add(unitLang{PK: pk, Lang: lang})
}

// flushUpdates reindexes all units named by a drained update batch.
func (s *Service) flushUpdates(ids []int64) pipeline.Outcome {
	iter, err := s.units.FetchUnits(context.Background(), dedupPKs(ids))
	if err != nil {
		return pipeline.Failed(errors.Wrap(err, "cannot fetch units"))
	}

	var units []store.Unit
	for iter.Next() {
		units = append(units, *iter.Unit())
	}
	iterErr := iter.Err()
	_ = iter.Close()
	if iterErr != nil {
		return pipeline.Failed(errors.Wrap(iterErr, "cannot iterate units"))
	}

	if len(units) == 0 {
		return pipeline.Done() // units deleted since the event fired
	}

	if err := s.IndexUnits(units); err != nil {
		if errors.Is(err, index.ErrLocked) {
			return pipeline.TryAgain(err)
		}
		return pipeline.Failed(err)
	}
	return pipeline.Done()
}

// flushDeletes groups a drained delete batch by unit and by language and
// removes the documents.
func (s *Service) flushDeletes(pairs []unitLang) pipeline.Outcome {
	var pks []int64
	seen := map[int64]bool{}
	byLang := map[string][]int64{}
	seenLang := map[unitLang]bool{}

	for _, p := range pairs {
		if !seen[p.PK] {
			seen[p.PK] = true
			pks = append(pks, p.PK)
		}
		if p.Lang == "" || seenLang[p] {
			continue
		}
		seenLang[p] = true
		byLang[p.Lang] = append(byLang[p.Lang], p.PK)
	}

	if err := s.DeleteUnits(pks, byLang); err != nil {
		if errors.Is(err, index.ErrLocked) {
			return pipeline.TryAgain(err)
		}
		return pipeline.Failed(err)
	}
	return pipeline.Done()
}

// Flush forces both pending queues to drain and waits for the result.
func (s *Service) Flush() error {
	errs := new(multierror.Error)
	errs = multierror.Append(errs, s.updates.Flush())
	errs = multierror.Append(errs, s.deletes.Flush())
	return errs.ErrorOrNil()
}

// Close drains the queues and closes shards and the dead letter store.
func (s *Service) Close() error {
	log.Printf("[INFO] closing search service...")
	errs := new(multierror.Error)
	errs = multierror.Append(errs, s.updates.Close())
	errs = multierror.Append(errs, s.deletes.Close())
	errs = multierror.Append(errs, s.registry.Close())
	if s.deadLetter != nil {
		errs = multierror.Append(errs, s.deadLetter.Close())
	}
	log.Printf("[INFO] search service closed")
	return errs.ErrorOrNil()
}

// DeadLetters returns the recorded permanent batch failures, nil without a
// configured dead letter store.
func (s *Service) DeadLetters() ([]pipeline.Record, error) {
	if s.deadLetter == nil {
		return nil, nil
	}
	return s.deadLetter.List()
}

func dedupPKs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	res := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		res = append(res, id)
	}
	return res
}

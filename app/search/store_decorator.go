package search

import (
	"context"

	log "github.com/go-pkgz/lgr"

	"github.com/translatum/fulltext/app/store"
)

// StoreDecorator proxies requests to a writable unit store and schedules
// index maintenance for every mutation.
type StoreDecorator struct {
	store.Interface
	searcher Fulltext
}

// WrapStore decorates a unit store with StoreDecorator.
func WrapStore(s store.Interface, searcher Fulltext) *StoreDecorator {
	return &StoreDecorator{
		Interface: s,
		searcher:  searcher,
	}
}

// Create unit and schedule indexing.
func (d *StoreDecorator) Create(ctx context.Context, unit store.Unit) (int64, error) {
	pk, err := d.Interface.Create(ctx, unit)
	if err != nil {
		return pk, err
	}
	d.searcher.EnqueueUnitChanged(pk)
	return pk, nil
}

// Update unit and schedule reindexing.
func (d *StoreDecorator) Update(ctx context.Context, unit store.Unit) error {
	if err := d.Interface.Update(ctx, unit); err != nil {
		return err
	}
	d.searcher.EnqueueUnitChanged(unit.PK)
	return nil
}

// Delete removes the unit from the store and schedules index cleanup for
// every language it was translated into.
func (d *StoreDecorator) Delete(ctx context.Context, pk int64) error {
	langs, err := d.unitLanguages(ctx, pk)
	if err != nil {
		log.Printf("[WARN] cannot resolve languages for unit %d, source cleanup only, %v", pk, err)
	}

	if err := d.Interface.Delete(ctx, pk); err != nil {
		return err
	}

	if len(langs) == 0 {
		d.searcher.EnqueueUnitDeleted(pk, "")
		return nil
	}
	for _, lang := range langs {
		d.searcher.EnqueueUnitDeleted(pk, lang)
	}
	return nil
}

func (d *StoreDecorator) unitLanguages(ctx context.Context, pk int64) ([]string, error) {
	iter, err := d.Interface.FetchUnits(ctx, []int64{pk})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var langs []string
	for iter.Next() {
		for lang := range iter.Unit().Translations {
			langs = append(langs, lang)
		}
	}
	return langs, iter.Err()
}

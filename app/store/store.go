// Package store describes the backing translation store as seen by the
// fulltext engine: unit records, streaming reads and the language catalog.
package store

import "context"

// Unit is a single translatable string. Source, Context and Location are
// language independent; Translations holds the per-language target text.
type Unit struct {
	PK           int64
	Source       string
	Context      string
	Location     string
	Translations map[string]Translation // language code -> translation
}

// Translation is the per-language part of a unit. Empty Target means the
// unit is not translated into the language yet.
type Translation struct {
	Target  string
	Comment string
}

// UnitIter iterates units without materializing the whole result set.
// Follows the sql.Rows protocol: Next, accessor, Err, Close.
type UnitIter interface {
	Next() bool
	Unit() *Unit
	Err() error
	Close() error
}

// Reader is the read-only view of the backing store used by the indexer.
type Reader interface {
	FetchUnits(ctx context.Context, ids []int64) (UnitIter, error)
}

// LanguageCatalog reports which languages currently have at least one
// translation anywhere in the corpus.
type LanguageCatalog interface {
	LanguagesWithAnyTranslation(ctx context.Context) ([]string, error)
}

// Interface is the writable store surface. The fulltext engine never writes
// units itself; the interface exists for search.WrapStore which intercepts
// mutations to keep the index in sync.
type Interface interface {
	Reader
	Create(ctx context.Context, unit Unit) (int64, error)
	Update(ctx context.Context, unit Unit) error
	Delete(ctx context.Context, pk int64) error
}

package search

import "github.com/translatum/fulltext/app/store"

type noopFulltext struct{}

// NewNoop returns a Fulltext implementation for installations with search
// disabled: writes are absorbed, searches rejected.
func NewNoop() Fulltext {
	return &noopFulltext{}
}

func (*noopFulltext) IndexUnits(units []store.Unit) error { return nil }

func (*noopFulltext) DeleteUnits(pks []int64, byLang map[string][]int64) error { return nil }

func (*noopFulltext) EnqueueUnitChanged(pk int64) {}

func (*noopFulltext) EnqueueUnitDeleted(pk int64, lang string) {}

func (*noopFulltext) Search(query string, langs []string, fields Fields) (map[int64]struct{}, error) {
	return nil, ErrSearchNotEnabled
}

func (*noopFulltext) MoreLike(pk int64, source string, top int) ([]int64, error) {
	return nil, ErrSearchNotEnabled
}

func (*noopFulltext) Flush() error { return nil }

func (*noopFulltext) Close() error { return nil }

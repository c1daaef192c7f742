package search

import (
	"context"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/go-pkgz/syncs"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/translatum/fulltext/app/search/index"
)

// Fields toggles which schema fields participate in a search. Omitted
// fields are disabled.
type Fields map[string]bool

const fanOutSize = 4

// Per-schema field sets, fixed. Source fields live in the source shard,
// target fields in the per-language target shards.
var (
	sourceFields = []string{index.SourceField, index.ContextField, index.LocationField}
	targetFields = []string{index.TargetField, index.CommentField}
)

// fieldQueries maps a field name to its sub-query builder.
var fieldQueries = map[string]func(text string) query.Query{
	index.SourceField:   func(text string) query.Query { return matchField(index.SourceField, text) },
	index.ContextField:  func(text string) query.Query { return matchField(index.ContextField, text) },
	index.LocationField: func(text string) query.Query { return matchField(index.LocationField, text) },
	index.TargetField:   func(text string) query.Query { return matchField(index.TargetField, text) },
	index.CommentField:  func(text string) query.Query { return matchField(index.CommentField, text) },
}

// matchField builds the executed per-field query: the text is run through
// the field's analyzer and every surviving term must match. Stopwords are
// removed by the analyzer, not counted as unmatched terms.
func matchField(field, text string) query.Query {
	q := bleve.NewMatchQuery(text)
	q.SetField(field)
	q.SetOperator(query.MatchQueryOperatorAnd)
	return q
}

// Search finds primary keys of units matching the query text in any of the
// enabled fields. Source fields consult the source shard; target fields
// consult the target shard of every given language, fanned out
// concurrently. The result is the union of all per-shard hits, unordered.
// Shards that were never written contribute nothing.
func (s *Service) Search(queryText string, langs []string, fields Fields) (map[int64]struct{}, error) {
	pks := map[int64]struct{}{}

	enabledSource := enabledFields(fields, sourceFields)
	enabledTarget := enabledFields(fields, targetFields)
	if len(enabledSource)+len(enabledTarget) == 0 {
		return pks, nil
	}

	if err := validateQuery(queryText); err != nil {
		return nil, err
	}

	if len(enabledSource) > 0 {
		found, err := s.searchShard(index.SourceShard, index.KindSource, queryText, enabledSource)
		if err != nil {
			return nil, err
		}
		for pk := range found {
			pks[pk] = struct{}{}
		}
	}

	if len(enabledTarget) > 0 {
		var mu sync.Mutex
		errs := new(multierror.Error)
		gr := syncs.NewSizedGroup(fanOutSize)
		for _, lang := range langs {
			lang := lang
			gr.Go(func(ctx context.Context) {
				found, err := s.searchShard(index.TargetShard(lang), index.KindTarget, queryText, enabledTarget)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = multierror.Append(errs, errors.Wrapf(err, "language %q", lang))
					return
				}
				for pk := range found {
					pks[pk] = struct{}{}
				}
			})
		}
		gr.Wait()
		if err := errs.ErrorOrNil(); err != nil {
			return nil, err
		}
	}
	return pks, nil
}

// searchShard runs the disjunction of per-field queries against one shard
// and collects the matching primary keys. No result count limit beyond the
// shard size.
func (s *Service) searchShard(name string, kind index.Kind, text string, fields []string) (map[int64]struct{}, error) {
	shard, err := s.registry.OpenExisting(name, kind)
	if errors.Is(err, index.ErrNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	queries := make([]query.Query, 0, len(fields))
	for _, field := range fields {
		queries = append(queries, fieldQueries[field](text))
	}

	count, err := shard.DocCount()
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), int(count), 0, false)
	res, err := shard.Search(req)
	if err != nil {
		return nil, err
	}

	found := make(map[int64]struct{}, len(res.Hits))
	for _, h := range res.Hits {
		pk, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed document id %q in shard %q", h.ID, name)
		}
		found[pk] = struct{}{}
	}
	return found, nil
}

// validateQuery rejects query text the executed term search cannot honor:
// text that does not parse at all, and query-string syntax (quoted
// phrases, explicit field scopes) that would be silently read as literal
// words. The failure propagates to the caller as is.
func validateQuery(text string) error {
	q, err := query.NewQueryStringQuery(text).Parse()
	if err != nil {
		return errors.Wrapf(err, "malformed query %q", text)
	}
	if err := bareTermsOnly(q); err != nil {
		return errors.Wrapf(err, "malformed query %q", text)
	}
	return nil
}

// bareTermsOnly walks a parsed query and fails on constructs beyond plain
// terms.
func bareTermsOnly(q query.Query) error {
	switch qt := q.(type) {
	case nil:
		return nil
	case *query.BooleanQuery:
		for _, sub := range []query.Query{qt.Must, qt.Should, qt.MustNot} {
			if err := bareTermsOnly(sub); err != nil {
				return err
			}
		}
		return nil
	case *query.ConjunctionQuery:
		for _, sub := range qt.Conjuncts {
			if err := bareTermsOnly(sub); err != nil {
				return err
			}
		}
		return nil
	case *query.DisjunctionQuery:
		for _, sub := range qt.Disjuncts {
			if err := bareTermsOnly(sub); err != nil {
				return err
			}
		}
		return nil
	case *query.MatchPhraseQuery:
		return errors.New("quoted phrases are not supported")
	case query.FieldableQuery:
		if qt.Field() != "" {
			return errors.Errorf("field scope %q is not supported", qt.Field())
		}
		return nil
	default:
		return nil
	}
}

func enabledFields(toggles Fields, fields []string) []string {
	var res []string
	for _, f := range fields {
		if toggles[f] {
			res = append(res, f)
		}
	}
	return res
}

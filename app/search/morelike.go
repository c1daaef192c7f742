package search

import (
	"math"
	"sort"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/pkg/errors"

	"github.com/translatum/fulltext/app/search/index"
)

const (
	keyTermCount  = 10 // terms extracted from the input text
	minSimilarity = 50 // normalized score cutoff, strictly greater passes
	defaultTop    = 5
)

// MoreLike finds units whose source text is similar to the given text.
// Key terms of the text are weighted against the source shard's statistics
// and searched as a boosted disjunction; scores are normalized to 0-100
// relative to the best hit and results above the cutoff returned in rank
// order, the querying unit itself excluded.
func (s *Service) MoreLike(pk int64, source string, top int) ([]int64, error) {
	if top <= 0 {
		top = defaultTop
	}

	shard, err := s.registry.OpenExisting(index.SourceShard, index.KindSource)
	if errors.Is(err, index.ErrNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	terms, err := s.keyTerms(shard, source)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return nil, nil // nothing extractable means nothing similar
	}

	queries := make([]query.Query, 0, len(terms))
	for _, t := range terms {
		tq := bleve.NewTermQuery(t.term)
		tq.SetField(index.SourceField)
		tq.SetBoost(t.score)
		queries = append(queries, tq)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), top, 0, false)
	res, err := shard.Search(req)
	if err != nil {
		return nil, err
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}

	hits := make([]rankedHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hitPK, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed document id %q in source shard", h.ID)
		}
		hits = append(hits, rankedHit{pk: hitPK, score: h.Score})
	}
	return aboveCutoff(hits, pk), nil
}

type rankedHit struct {
	pk    int64
	score float64
}

// aboveCutoff normalizes scores to 0-100 relative to the best hit and
// keeps, in rank order, hits strictly above the similarity cutoff, the
// querying unit itself excluded. A hit at exactly the cutoff is dropped.
func aboveCutoff(hits []rankedHit, self int64) []int64 {
	if len(hits) == 0 {
		return nil
	}
	maxScore := hits[0].score
	for _, h := range hits {
		if h.score > maxScore {
			maxScore = h.score
		}
	}

	var matches []int64
	for _, h := range hits {
		if h.score*100/maxScore <= minSimilarity || h.pk == self {
			continue
		}
		matches = append(matches, h.pk)
	}
	return matches
}

type keyTerm struct {
	term  string
	score float64
}

// keyTerms extracts the most salient terms of the text relative to the
// shard's source field: term frequency in the text, not normalized by its
// length, weighted by inverse document frequency. Terms absent from the
// shard lexicon are dropped.
func (s *Service) keyTerms(shard *index.Shard, text string) ([]keyTerm, error) {
	tokens := shard.Tokens(index.SourceField, text)
	if len(tokens) == 0 {
		return nil, nil
	}

	tf := map[string]int{}
	for _, t := range tokens {
		tf[t]++
	}

	docCount, err := shard.DocCount()
	if err != nil {
		return nil, err
	}
	if docCount == 0 {
		return nil, nil
	}

	terms := make([]keyTerm, 0, len(tf))
	for term, freq := range tf {
		df, err := s.docFreq(shard, term)
		if err != nil {
			return nil, err
		}
		if df == 0 {
			continue
		}
		idf := math.Log(1 + float64(docCount)/float64(df))
		terms = append(terms, keyTerm{term: term, score: float64(freq) * idf})
	}

	sort.Slice(terms, func(i, j int) bool {
		if terms[i].score == terms[j].score {
			return terms[i].term < terms[j].term
		}
		return terms[i].score > terms[j].score
	})
	if len(terms) > keyTermCount {
		terms = terms[:keyTermCount]
	}
	return terms, nil
}

// docFreq counts the shard documents containing the term in the source
// field.
func (s *Service) docFreq(shard *index.Shard, term string) (uint64, error) {
	tq := bleve.NewTermQuery(term)
	tq.SetField(index.SourceField)
	res, err := shard.Search(bleve.NewSearchRequestOptions(tq, 0, 0, false))
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

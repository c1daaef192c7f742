package index

import (
	"github.com/blevesearch/bleve/v2"
	bleveStandard "github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	bleveEn "github.com/blevesearch/bleve/v2/analysis/lang/en"
	bleveRu "github.com/blevesearch/bleve/v2/analysis/lang/ru"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Indexed field names, shared with the query and similarity engines.
const (
	PKField       = "pk"
	SourceField   = "source"
	ContextField  = "context"
	LocationField = "location"
	TargetField   = "target"
	CommentField  = "comment"
)

// Kind selects the document schema of a shard.
type Kind int

// Two shard kinds exist: the singleton source shard and one target shard
// per language.
const (
	KindSource Kind = iota
	KindTarget
)

// SourceShard is the name of the singleton source shard.
const SourceShard = "source"

// TargetShard returns the shard name for a language code.
func TargetShard(lang string) string { return "target-" + lang }

// SourceDoc is the indexed representation of a unit in the source shard.
type SourceDoc struct {
	PK       int64  `json:"pk"`
	Source   string `json:"source"`
	Context  string `json:"context"`
	Location string `json:"location"`
}

// TargetDoc is the indexed representation of one (unit, language) pair.
type TargetDoc struct {
	PK      int64  `json:"pk"`
	Target  string `json:"target"`
	Comment string `json:"comment"`
}

// Available text analyzers.
// Bleve supports a bit more languages that may be added,
// see https://github.com/blevesearch/bleve/tree/master/analysis/lang
var analyzerMapping = map[string]string{
	"standard": bleveStandard.Name,
	"english":  bleveEn.AnalyzerName,
	"russian":  bleveRu.AnalyzerName,
}

func textMapping(analyzer string, doStore bool) *mapping.FieldMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Store = doStore
	textFieldMapping.Analyzer = analyzer
	textFieldMapping.IncludeTermVectors = true
	return textFieldMapping
}

func pkMapping() *mapping.FieldMapping {
	pkFieldMapping := bleve.NewNumericFieldMapping()
	pkFieldMapping.Store = true
	return pkFieldMapping
}

func createIndexMapping(kind Kind, textAnalyzer string) mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt(PKField, pkMapping())

	switch kind {
	case KindSource:
		docMapping.AddFieldMappingsAt(SourceField, textMapping(textAnalyzer, false))
		docMapping.AddFieldMappingsAt(ContextField, textMapping(textAnalyzer, false))
		docMapping.AddFieldMappingsAt(LocationField, textMapping(textAnalyzer, false))
	case KindTarget:
		docMapping.AddFieldMappingsAt(TargetField, textMapping(textAnalyzer, false))
		docMapping.AddFieldMappingsAt(CommentField, textMapping(textAnalyzer, false))
	}

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}

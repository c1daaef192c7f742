package search

import (
	"context"

	"github.com/pkg/errors"

	"github.com/translatum/fulltext/app/search/index"
	"github.com/translatum/fulltext/app/store"
)

// IndexUnits synchronously replaces the indexed documents for the given
// units: every unit in the source shard, then, for each language with any
// translation in the corpus, the units having a non-empty target for it in
// that language's target shard. One buffered writer scope per shard,
// released before the next shard is touched. Returns index.ErrLocked
// (wrapped) on write contention so callers can retry the whole batch.
func (s *Service) IndexUnits(units []store.Unit) error {
	if len(units) == 0 {
		return nil
	}

	if err := s.indexShard(index.SourceShard, index.KindSource, units, indexSource); err != nil {
		return err
	}

	langs, err := s.catalog.LanguagesWithAnyTranslation(context.Background())
	if err != nil {
		return errors.Wrap(err, "cannot list languages")
	}

	for _, lang := range langs {
		lang := lang
		translated := unitsWithTarget(units, lang)
		if len(translated) == 0 {
			continue
		}
		indexTarget := func(w *index.BufferedWriter, u store.Unit) error {
			tr := u.Translations[lang]
			return w.UpdateDocument(u.PK, index.TargetDoc{PK: u.PK, Target: tr.Target, Comment: tr.Comment})
		}
		if err := s.indexShard(index.TargetShard(lang), index.KindTarget, translated, indexTarget); err != nil {
			return err
		}
	}
	return nil
}

// DeleteUnits removes documents synchronously: every pk from the source
// shard and, per language, the pks mapped to it. Each shard is handled in
// one transactional writer scope. A shard that was never created counts as
// already clean.
func (s *Service) DeleteUnits(pks []int64, byLang map[string][]int64) error {
	if err := s.deleteFromShard(index.SourceShard, index.KindSource, pks); err != nil {
		return err
	}
	for lang, ids := range byLang {
		if err := s.deleteFromShard(index.TargetShard(lang), index.KindTarget, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) indexShard(name string, kind index.Kind, units []store.Unit,
	project func(*index.BufferedWriter, store.Unit) error) error {

	shard, err := s.registry.Open(name, kind)
	if err != nil {
		return err
	}
	w, err := shard.BufferedWriter()
	if err != nil {
		return err
	}
	for _, u := range units {
		if err := project(w, u); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

func (s *Service) deleteFromShard(name string, kind index.Kind, pks []int64) error {
	if len(pks) == 0 {
		return nil
	}
	shard, err := s.registry.OpenExisting(name, kind)
	if errors.Is(err, index.ErrNotExists) {
		return nil // nothing to delete from
	}
	if err != nil {
		return err
	}

	w, err := shard.TxWriter(context.Background())
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	for _, pk := range pks {
		w.DeleteByPK(pk)
	}
	return w.Commit()
}

// indexSource replaces the source shard document for the unit, a pure
// projection with no conditions.
func indexSource(w *index.BufferedWriter, u store.Unit) error {
	return w.UpdateDocument(u.PK, index.SourceDoc{PK: u.PK, Source: u.Source, Context: u.Context, Location: u.Location})
}

// unitsWithTarget filters units to those actually translated into lang.
func unitsWithTarget(units []store.Unit, lang string) []store.Unit {
	var res []store.Unit
	for _, u := range units {
		if tr, has := u.Translations[lang]; has && tr.Target != "" {
			res = append(res, u)
		}
	}
	return res
}

package search

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/translatum/fulltext/app/store"
)

// memStore is an in-memory backing store for tests, implements
// store.Interface and store.LanguageCatalog.
type memStore struct {
	mu        sync.Mutex
	units     map[int64]store.Unit
	nextPK    int64
	failFetch bool
}

func newMemStore(units ...store.Unit) *memStore {
	m := &memStore{units: map[int64]store.Unit{}}
	for _, u := range units {
		m.units[u.PK] = u
		if u.PK > m.nextPK {
			m.nextPK = u.PK
		}
	}
	return m
}

func (m *memStore) FetchUnits(_ context.Context, ids []int64) (store.UnitIter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFetch {
		return nil, errors.New("store unavailable")
	}
	var units []store.Unit
	for _, id := range ids {
		if u, has := m.units[id]; has {
			units = append(units, u)
		}
	}
	return &sliceIter{units: units}, nil
}

func (m *memStore) LanguagesWithAnyTranslation(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, u := range m.units {
		for lang, tr := range u.Translations {
			if tr.Target != "" {
				seen[lang] = true
			}
		}
	}
	langs := make([]string, 0, len(seen))
	for lang := range seen {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs, nil
}

func (m *memStore) Create(_ context.Context, unit store.Unit) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPK++
	unit.PK = m.nextPK
	m.units[unit.PK] = unit
	return unit.PK, nil
}

func (m *memStore) Update(_ context.Context, unit store.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[unit.PK] = unit
	return nil
}

func (m *memStore) Delete(_ context.Context, pk int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, pk)
	return nil
}

type sliceIter struct {
	units []store.Unit
	pos   int
}

func (it *sliceIter) Next() bool        { it.pos++; return it.pos <= len(it.units) }
func (it *sliceIter) Unit() *store.Unit { return &it.units[it.pos-1] }
func (it *sliceIter) Err() error        { return nil }
func (it *sliceIter) Close() error      { return nil }

func testUnits() []store.Unit {
	return []store.Unit{
		{
			PK: 1, Source: "Save the document", Context: "menu", Location: "ui/menu.c:10",
			Translations: map[string]store.Translation{
				"fr": {Target: "Enregistrer le document", Comment: "main menu entry"},
				"de": {Target: "Dokument speichern"},
			},
		},
		{
			PK: 2, Source: "Open file dialog", Context: "dialog", Location: "ui/dialog.c:42",
			Translations: map[string]store.Translation{
				"fr": {Target: "", Comment: "todo"}, // not translated yet
			},
		},
		{
			PK: 3, Source: "Menu layout options", Context: "prefs", Location: "ui/prefs.c:7",
			Translations: map[string]store.Translation{
				"de": {Target: "Anordnung des Menüs", Comment: "settings page"},
			},
		},
	}
}

func createTestService(t *testing.T, units ...store.Unit) (*Service, *memStore) {
	if units == nil {
		units = testUnits()
	}
	mem := newMemStore(units...)

	tmp := t.TempDir()
	svc, err := NewService(mem, mem, ServiceParams{
		IndexPath:      filepath.Join(tmp, "idx"),
		Analyzer:       "standard",
		FlushCount:     3,
		FlushEvery:     time.Hour,
		MaxRetries:     10,
		RetryDelay:     -1,
		DeadLetterPath: filepath.Join(tmp, "dead.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, svc.Close()) })
	return svc, mem
}

func allUnits(m *memStore) []store.Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]store.Unit, 0, len(m.units))
	for _, u := range m.units {
		res = append(res, u)
	}
	return res
}

func TestService_IndexUnitsIdempotent(t *testing.T) {
	svc, mem := createTestService(t)

	require.NoError(t, svc.IndexUnits(allUnits(mem)))
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	found, err := svc.Search("document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found, "replaying the same state leaves one document per unit")
}

func TestService_ShardIsolation(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	// "speichern" exists only in the german target of unit 1
	found, err := svc.Search("speichern", []string{"de"}, Fields{"target": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found)

	found, err = svc.Search("speichern", []string{"fr"}, Fields{"target": true})
	require.NoError(t, err)
	assert.Empty(t, found, "french shard untouched by german translations")

	found, err = svc.Search("speichern", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Empty(t, found, "source shard untouched by target text")
}

func TestService_EmptyTargetExcluded(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	// unit 2 has an empty french target, so no document exists in target-fr
	// even though its comment is set
	found, err := svc.Search("todo", []string{"fr"}, Fields{"target": true, "comment": true})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestService_UnionSemantics(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	// unit 1 matches "menu" only in context, unit 3 only in source
	found, err := svc.Search("menu", nil, Fields{"source": true, "context": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}, 3: {}}, found)

	// source and target hits union across shards
	found, err = svc.Search("document", []string{"fr"}, Fields{"source": true, "target": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found, "matching both shards collapses to one entry")
}

func TestService_NoFieldsEnabled(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	found, err := svc.Search("document", []string{"fr", "de"}, Fields{})
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = svc.Search("document", []string{"fr"}, nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestService_MissingShardContributesNothing(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	found, err := svc.Search("document", []string{"es", "fr"}, Fields{"target": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found, "unknown language shard is skipped, not an error")
}

func TestService_MultiTermRequiresAll(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	found, err := svc.Search("save sandwich", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Empty(t, found, "one matching term out of two is not a hit")

	found, err = svc.Search("save document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found, "all terms present")

	// stopwords drop out in analysis instead of counting as unmatched
	found, err = svc.Search("save the document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found)
}

func TestService_UnsupportedQuerySyntax(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	_, err := svc.Search(`"save the document"`, nil, Fields{"source": true})
	assert.Error(t, err, "quoted phrase")

	_, err = svc.Search("context:menu", nil, Fields{"source": true})
	assert.Error(t, err, "explicit field scope")
}

func TestService_MalformedQuery(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	_, err := svc.Search("\"unterminated phrase", nil, Fields{"source": true})
	assert.Error(t, err)
}

func TestService_DeleteUnits(t *testing.T) {
	svc, mem := createTestService(t)
	require.NoError(t, svc.IndexUnits(allUnits(mem)))

	// remove only the french target document of unit 1
	require.NoError(t, svc.DeleteUnits(nil, map[string][]int64{"fr": {1}}))

	found, err := svc.Search("Enregistrer", []string{"fr"}, Fields{"target": true})
	require.NoError(t, err)
	assert.Empty(t, found, "target document gone")

	found, err = svc.Search("document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found, "source document stays")

	// now the full delete, source and remaining languages
	require.NoError(t, svc.DeleteUnits([]int64{1}, map[string][]int64{"de": {1}}))

	found, err = svc.Search("document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = svc.Search("speichern", []string{"de"}, Fields{"target": true})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestService_DeleteFromMissingShard(t *testing.T) {
	svc, _ := createTestService(t)

	// nothing was ever indexed, all shards are absent
	assert.NoError(t, svc.DeleteUnits([]int64{1, 2}, map[string][]int64{"fr": {1}}))
}

func TestService_EnqueueFlow(t *testing.T) {
	svc, _ := createTestService(t)

	svc.EnqueueUnitChanged(1)
	svc.EnqueueUnitChanged(2)

	found, err := svc.Search("document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Empty(t, found, "below the count threshold nothing is indexed yet")

	require.NoError(t, svc.Flush())

	found, err = svc.Search("document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{1: {}}, found)

	svc.EnqueueUnitDeleted(1, "fr")
	require.NoError(t, svc.Flush())

	found, err = svc.Search("Enregistrer", []string{"fr"}, Fields{"target": true})
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = svc.Search("document", nil, Fields{"source": true})
	require.NoError(t, err)
	assert.Empty(t, found, "source document deleted together with the language entry")
}

func TestService_CountTriggerFlushes(t *testing.T) {
	svc, _ := createTestService(t)

	svc.EnqueueUnitChanged(1)
	svc.EnqueueUnitChanged(2)
	svc.EnqueueUnitChanged(3)

	assert.Eventually(t, func() bool {
		found, err := svc.Search("document", nil, Fields{"source": true})
		return err == nil && len(found) == 1
	}, 2*time.Second, 10*time.Millisecond, "the 500th-equivalent event triggers the flush")
}

func TestService_FetchFailureGoesToDeadLetter(t *testing.T) {
	svc, mem := createTestService(t)

	mem.mu.Lock()
	mem.failFetch = true
	mem.mu.Unlock()

	svc.EnqueueUnitChanged(1)
	require.Error(t, svc.Flush())

	recs, err := svc.DeadLetters()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "update", recs[0].Kind)
	assert.Equal(t, 1, recs[0].Attempts, "data errors are not retried")
}

func TestService_UpdateForVanishedUnit(t *testing.T) {
	svc, _ := createTestService(t)

	svc.EnqueueUnitChanged(999) // deleted before the batch drained
	assert.NoError(t, svc.Flush())

	recs, err := svc.DeadLetters()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestNoop(t *testing.T) {
	svc := NewNoop()
	defer func() { require.NoError(t, svc.Close()) }()

	assert.NoError(t, svc.IndexUnits([]store.Unit{{PK: 1}}))
	svc.EnqueueUnitChanged(1)
	svc.EnqueueUnitDeleted(1, "fr")

	_, err := svc.Search("q", nil, Fields{"source": true})
	assert.Equal(t, ErrSearchNotEnabled, err)

	_, err = svc.MoreLike(1, "text", 5)
	assert.Equal(t, ErrSearchNotEnabled, err)
}

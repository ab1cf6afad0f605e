package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eod-universe/internal/fsatomic"
)

// writeRaw persists a doc as-is, bypassing Store.Save's resealing.
func writeRaw(path string, doc *Doc) error {
	return fsatomic.WriteJSONAtomic(path, doc)
}

func testDoc() *Doc {
	return &Doc{
		RunID:          "r1",
		QueueHash:      "qh",
		SymbolsDone:    []string{"AAPL.US"},
		SymbolsPending: []string{"MSFT.US", "TSLA.US"},
		FailCounts:     map[string]int{"MSFT.US": 1},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cp.json"), true)

	require.NoError(t, store.Save(testDoc()))

	got, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "universe_backfill_checkpoint_v1", got.Schema)
	assert.Equal(t, []string{"MSFT.US", "TSLA.US"}, got.SymbolsPending)
	assert.Equal(t, 1, got.FailCounts["MSFT.US"])
	assert.NotEmpty(t, got.CheckpointHash)

	ok, err := got.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cp.json"), true)
	got, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadTamperedStrict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	store := NewStore(path, true)
	require.NoError(t, store.Save(testDoc()))

	// Mutate the doc without resealing.
	tampered, err := store.Load()
	require.NoError(t, err)
	tampered.SymbolsPending = append(tampered.SymbolsPending, "EVIL.US")
	require.NoError(t, tampered.Seal())
	tampered.SymbolsPending = tampered.SymbolsPending[:1]
	require.NoError(t, writeRaw(path, tampered))

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadTamperedLenient(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	strict := NewStore(path, true)
	require.NoError(t, strict.Save(testDoc()))

	doc, err := strict.Load()
	require.NoError(t, err)
	doc.CheckpointHash = "sha256:bogus"
	require.NoError(t, writeRaw(path, doc))

	lenient := NewStore(path, false)
	got, err := lenient.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.CheckpointHash, "cleared hash signals a rebuild")
}

func TestLoadWrongSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	doc := testDoc()
	doc.Schema = "universe_other_v1"
	require.NoError(t, doc.Seal())
	require.NoError(t, writeRaw(path, doc))

	_, err := NewStore(path, true).Load()
	assert.ErrorIs(t, err, ErrInvalid)

	got, err := NewStore(path, false).Load()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSealIgnoresUpdatedAt(t *testing.T) {
	a := testDoc()
	require.NoError(t, a.Seal())
	b := testDoc()
	b.UpdatedAt = "2025-06-02T09:00:00Z"
	require.NoError(t, b.Seal())
	assert.Equal(t, a.CheckpointHash, b.CheckpointHash)
}

func TestDoneSet(t *testing.T) {
	doc := testDoc()
	set := doc.DoneSet()
	assert.True(t, set["AAPL.US"])
	assert.False(t, set["MSFT.US"])
}

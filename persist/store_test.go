package persist

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

type record struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := zerolog.Nop()
	return NewStore(&StoreConfig{
		Root:   t.TempDir(),
		Logger: &logger,
	})
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	path := store.PairPath(SignalCategory, "momentum", "BTCUSDT")

	want := record{ID: "abc", Price: 42000.5}
	err := store.Write(path, &want)
	assert.NoError(t, err)

	var got record
	ok, err := store.Read(path, &got)
	assert.NoError(t, err)
	assert.Equal(t, ok, true)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("state round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMissingFile(t *testing.T) {
	store := newTestStore(t)

	var got record
	ok, err := store.Read(store.NamePath(RiskCategory, "cap3"), &got)
	assert.NoError(t, err)
	assert.Equal(t, ok, false)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	store := newTestStore(t)
	path := store.PairPath(ScheduleCategory, "momentum", "ETHUSDT")

	err := store.Write(path, &record{ID: "x"})
	assert.NoError(t, err)

	_, err = os.Stat(path + ".tmp")
	if !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, got: %v", err)
	}
}

func TestCorruptFileIsQuarantined(t *testing.T) {
	store := newTestStore(t)
	path := store.PairPath(PartialCategory, "momentum", "BTCUSDT")

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	assert.NoError(t, err)
	err = os.WriteFile(path, []byte("{not json"), 0o644)
	assert.NoError(t, err)

	var got record
	ok, err := store.Read(path, &got)
	assert.NoError(t, err)
	assert.Equal(t, ok, false)

	// The original file is gone and a quarantined copy remains.
	_, err = os.Stat(path)
	if !os.IsNotExist(err) {
		t.Fatalf("expected corrupt file to be renamed, got: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	assert.NoError(t, err)

	var quarantined bool
	for idx := range entries {
		if strings.Contains(entries[idx].Name(), ".corrupt-") {
			quarantined = true
		}
	}
	assert.Equal(t, quarantined, true)
}

func TestRemoveMissingFile(t *testing.T) {
	store := newTestStore(t)
	err := store.Remove(store.NamePath(RiskCategory, "absent"))
	assert.NoError(t, err)
}

func TestOverwriteIsAtomicContent(t *testing.T) {
	store := newTestStore(t)
	path := store.NamePath(RiskCategory, "cap3")

	err := store.Write(path, &record{ID: "first", Price: 1})
	assert.NoError(t, err)
	err = store.Write(path, &record{ID: "second", Price: 2})
	assert.NoError(t, err)

	var got record
	ok, err := store.Read(path, &got)
	assert.NoError(t, err)
	assert.Equal(t, ok, true)
	assert.Equal(t, got.ID, "second")
}

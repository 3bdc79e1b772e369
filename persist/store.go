// Package persist implements the atomic on-disk state layer. Each state
// file is written by serializing to a sibling temp file, fsyncing and
// renaming over the target, so a reader at any instant sees either the full
// pre-update or the full post-update content. Corrupt files are quarantined
// rather than silently deleted and then treated as absent.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultRoot is the default persistence root directory.
	DefaultRoot = "./dump/persist"

	// File categories mirroring the on-disk layout.
	SignalCategory   = "signal"
	ScheduleCategory = "schedule"
	RiskCategory     = "risk"
	PartialCategory  = "partial"
)

// StoreConfig represents the persistence store configuration.
type StoreConfig struct {
	// Root is the persistence root directory.
	Root string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Store reads and writes per-key JSON state files under a root directory.
type Store struct {
	cfg *StoreConfig
}

// NewStore initializes a persistence store.
func NewStore(cfg *StoreConfig) *Store {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}

	return &Store{cfg: cfg}
}

// Root returns the persistence root directory.
func (s *Store) Root() string {
	return s.cfg.Root
}

// PairPath returns the state file path for a (strategy, symbol) keyed
// category.
func (s *Store) PairPath(category string, strategy string, symbol string) string {
	return filepath.Join(s.cfg.Root, category, strategy, symbol+".json")
}

// NamePath returns the state file path for a name keyed category.
func (s *Store) NamePath(category string, name string) string {
	return filepath.Join(s.cfg.Root, category, name+".json")
}

// Write atomically serializes the provided value to the target path. The
// value is written to a sibling temp file, synced to disk and renamed over
// the target; rename is atomic within one directory on POSIX filesystems.
func (s *Store) Write(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp state file %s: %w", tmp, err)
	}

	_, err = f.Write(data)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp state file %s: %w", tmp, err)
	}

	err = f.Sync()
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp state file %s: %w", tmp, err)
	}

	err = f.Close()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp state file %s: %w", tmp, err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming state file %s: %w", path, err)
	}

	return nil
}

// Read loads the state file at the target path into dest. A missing file
// returns false without error. A file that fails to parse is quarantined
// with a corrupt suffix and treated as absent, so a damaged state directory
// heals itself on the next write.
func (s *Store) Read(path string, dest any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading state file %s: %w", path, err)
	}

	err = json.Unmarshal(data, dest)
	if err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixMilli())
		renameErr := os.Rename(path, quarantine)
		if renameErr != nil {
			s.cfg.Logger.Error().Msgf("quarantining corrupt state file %s: %v", path, renameErr)
		} else {
			s.cfg.Logger.Warn().Msgf("quarantined corrupt state file %s as %s: %v", path, quarantine, err)
		}

		return false, nil
	}

	return true, nil
}

// Remove deletes the state file at the target path. Missing files are not
// an error.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing state file %s: %w", path, err)
	}

	return nil
}

// Package storage selects and constructs the StateStore backend. Selection
// happens once, explicitly, at construction time; nothing process-wide
// remembers which backend is in use.
package storage

import (
	"fmt"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/tracefield/frontier/internal/common"
	"github.com/tracefield/frontier/internal/interfaces"
	badgerstore "github.com/tracefield/frontier/internal/storage/badger"
	memorystore "github.com/tracefield/frontier/internal/storage/memory"
)

// New constructs the configured StateStore under cfg.Path. The Badger
// engine lives in its own subdirectory; the fallback keeps its snapshot
// file at the directory root. With BackendAuto the engine is tried first
// and the snapshot store only used when it cannot be opened, with the
// degradation logged rather than hidden.
func New(cfg *common.StorageConfig, logger arbor.ILogger) (interfaces.StateStore, error) {
	engineDir := filepath.Join(cfg.Path, "badger")

	switch cfg.Backend {
	case common.BackendBadger:
		return badgerstore.New(engineDir, logger)
	case common.BackendMemory:
		return memorystore.New(cfg.Path, logger)
	case common.BackendAuto, "":
		store, err := badgerstore.New(engineDir, logger)
		if err == nil {
			return store, nil
		}
		logger.Warn().Err(err).Str("path", engineDir).
			Msg("Badger engine unavailable, degrading to snapshot store")
		return memorystore.New(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

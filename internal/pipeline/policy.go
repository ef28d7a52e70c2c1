// Package pipeline routes event records to the event sink, the local
// location store and the remote endpoint.
package pipeline

import (
	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/event"
)

// ShouldPersist reports whether a record of kind should be written to the
// local location store. Batch sync always persists because the store is
// what the batch is drained from.
func ShouldPersist(cfg *config.Config, kind event.Kind) bool {
	if cfg.GetBatchSync() {
		return true
	}
	switch cfg.GetPersistMode() {
	case config.PersistAll:
		return true
	case config.PersistGeofence:
		return kind == event.KindGeofence
	case config.PersistLocation:
		return kind != event.KindGeofence
	default:
		return false
	}
}

package remote

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/banshee-data/locus/internal/config"
)

const gateKey = "auto-sync"

// Gate rate-limits opportunistic syncs triggered by new events to one per
// auto_sync_interval. Events arriving while the gate is closed are left for
// the periodic flusher.
type Gate struct {
	cfg   config.Source
	cache *cache.Cache
}

// NewGate returns an open gate.
func NewGate(cfg config.Source) *Gate {
	return &Gate{cfg: cfg, cache: cache.New(cache.NoExpiration, time.Minute)}
}

// Allow reports whether a sync may run now and, if so, closes the gate for
// the configured interval. A zero interval keeps the gate open.
func (g *Gate) Allow() bool {
	interval := g.cfg.Current().GetAutoSyncInterval()
	if interval <= 0 {
		return true
	}
	return g.cache.Add(gateKey, struct{}{}, interval) == nil
}

// Reset reopens the gate.
func (g *Gate) Reset() {
	g.cache.Delete(gateKey)
}

package config

import "sync/atomic"

// Source hands out the configuration snapshot in effect right now. Callers
// read it once per operation and must not mutate it.
type Source interface {
	Current() *Config
}

// Store owns the current snapshot. Set swaps it atomically, so readers never
// see a half-applied change.
type Store struct {
	cur atomic.Pointer[Config]
}

// NewStore returns a Store holding cfg, or the empty config when cfg is nil.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.Set(cfg)
	return s
}

// Current returns the snapshot in effect.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Set replaces the snapshot.
func (s *Store) Set(cfg *Config) {
	if cfg == nil {
		cfg = Empty()
	}
	s.cur.Store(cfg)
}

// Static is a Source that always returns the same snapshot.
type Static struct{ Config *Config }

func (s Static) Current() *Config {
	if s.Config == nil {
		return Empty()
	}
	return s.Config
}

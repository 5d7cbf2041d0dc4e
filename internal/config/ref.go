package config

import "sync/atomic"

// Ref is an atomically swappable configuration snapshot. Readers call Get
// on every operation and hold the returned snapshot for the duration of
// that operation; the watcher is the single writer.
type Ref struct {
	ptr atomic.Pointer[Config]
}

// NewRef creates a Ref holding the initial snapshot.
func NewRef(cfg *Config) *Ref {
	r := &Ref{}
	r.ptr.Store(cfg)
	return r
}

// Get returns the current snapshot. The returned value must be treated as
// read-only.
func (r *Ref) Get() *Config {
	return r.ptr.Load()
}

// Set publishes a new snapshot.
func (r *Ref) Set(cfg *Config) {
	r.ptr.Store(cfg)
}

package cluster

import "sync/atomic"

// Static is the connectivity signal of a device running without a cluster:
// it is online exactly when a store URL is configured.
type Static struct {
	name   string
	online atomic.Bool
}

// NewStatic returns a fixed connectivity signal.
func NewStatic(name string, online bool) *Static {
	s := &Static{name: name}
	s.online.Store(online)
	return s
}

func (s *Static) Online() bool { return s.online.Load() }

// OnOnline never fires; a static signal does not change.
func (s *Static) OnOnline(fn func()) func() { return func() {} }

func (s *Static) DeviceID() string { return s.name }

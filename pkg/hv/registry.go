package hv

import (
	"errors"
	"sync"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

var (
	ErrBackendUnknown    = errors.New("hv: unknown backend")
	ErrBackendRegistered = errors.New("hv: backend already registered")
	ErrNoBackend         = errors.New("hv: no backend available")
)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
)

// Register makes a backend available by name. Backends register themselves
// from an init function of their package.
func Register(b Backend) error {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[b.Name()]; dup {
		return errx.With(ErrBackendRegistered, ": %s", b.Name())
	}
	backends[b.Name()] = b
	return nil
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	if !ok {
		return nil, errx.With(ErrBackendUnknown, ": %s", name)
	}
	return b, nil
}

// Default returns the sole registered backend, or fails when zero or more
// than one backend is linked in and the caller must choose explicitly.
func Default() (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	if len(backends) != 1 {
		return nil, ErrNoBackend
	}
	for _, b := range backends {
		return b, nil
	}
	return nil, ErrNoBackend
}

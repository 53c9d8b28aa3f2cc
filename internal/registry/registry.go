// Package registry holds the process-wide detector, created on first use.
package registry

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/deepfake-api/internal/detector"
)

// Factory builds the detector. It runs at most once per Registry.
type Factory func() (*detector.Detector, error)

// Registry lazily creates and then shares a single Detector. Creating the
// detector does not load the classifier; that happens on its first use.
type Registry struct {
	factory Factory

	once sync.Once
	mu   sync.Mutex
	det  *detector.Detector
	err  error
}

// New returns a Registry that builds its detector with factory.
func New(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Get returns the shared detector, building it on the first call. A factory
// error is returned to every caller.
func (r *Registry) Get() (*detector.Detector, error) {
	r.once.Do(func() {
		det, err := r.factory()
		if err == nil && det == nil {
			err = errors.New("detector factory returned nil")
		}
		r.mu.Lock()
		r.det, r.err = det, err
		r.mu.Unlock()
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.det, r.err
}

// Provide installs det as the shared detector. It fails if Get already
// returned one.
func (r *Registry) Provide(det *detector.Detector) error {
	provided := false
	r.once.Do(func() {
		r.mu.Lock()
		r.det = det
		r.mu.Unlock()
		provided = true
	})
	if !provided {
		return errors.New("detector already created")
	}
	return nil
}

// Close releases the shared detector if one was created.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.det == nil {
		return nil
	}
	return r.det.Close()
}

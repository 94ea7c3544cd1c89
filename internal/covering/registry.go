package covering

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Registry holds the coverings of the process by name.
type Registry struct {
	mu        sync.RWMutex
	coverings map[string]*Covering
	names     []string
}

func NewRegistry() *Registry {
	return &Registry{coverings: map[string]*Covering{}}
}

func (r *Registry) Add(c *Covering) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.coverings[c.Name()]; ok {
		return errors.Errorf("%s: covering already registered", c.Name())
	}

	r.coverings[c.Name()] = c
	r.names = append(r.names, c.Name())
	return nil
}

func (r *Registry) Get(name string) (*Covering, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.coverings[name]
	return c, ok
}

// All returns the coverings in registration order.
func (r *Registry) All() []*Covering {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Covering, 0, len(r.names))
	for _, name := range r.names {
		all = append(all, r.coverings[name])
	}
	return all
}

// Run runs every registered covering until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range r.All() {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}
	return g.Wait()
}

// Package relay drives a covering motor through an up and a down relay.
package relay

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type Relay interface {
	On() error
	Off() error
	IsEnabled() bool
}

// Dumb only logs switching. It stands in for relays not wired to this host.
type Dumb struct {
	Name string

	mu        sync.Mutex
	isEnabled bool
}

func (r *Dumb) On() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isEnabled {
		logrus.Warnf("%s: dumb relay on", r.Name)
	}
	r.isEnabled = true
	return nil
}

func (r *Dumb) Off() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isEnabled {
		logrus.Warnf("%s: dumb relay off", r.Name)
	}
	r.isEnabled = false
	return nil
}

func (r *Dumb) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.isEnabled
}

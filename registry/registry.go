// Package registry advertises server endpoints and lets clients discover them.
//
// A server registers the websocket URL it serves under a service name; a
// client resolves that name to the live endpoints on every connect attempt and
// picks one with a loadbalance.Balancer.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoInstances is returned when a service has no live endpoint.
var ErrNoInstances = errors.New("registry: no instances available")

// ServiceInstance is one advertised endpoint.
type ServiceInstance struct {
	Addr    string `json:"addr"` // Websocket URL, e.g. ws://10.0.0.5:8080/ws
	Weight  int    `json:"weight"`
	Version string `json:"version"`
}

type Registry interface {
	// Register advertises instance until ttl seconds after the process stops renewing it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes, until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// Package loadbalance picks the endpoint a client connects to when a service
// has several live instances.
//
// Three strategies are implemented:
//   - RoundRobin:      spread reconnects evenly over equal-capacity servers
//   - WeightedRandom:  favour servers advertising a higher weight
//   - ConsistentHash:  keep a client on the same server across reconnects
package loadbalance

import (
	"strings"

	"github.com/pkg/errors"

	"wsrpc/registry"
)

// Balancer selects one instance. The client calls Pick before every connect
// attempt with its own id as key; only key-based strategies use it.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the strategy called name (case-insensitive). An empty name
// selects round robin.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "roundrobin", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weightedrandom", "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistenthash", "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
}

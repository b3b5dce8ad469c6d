package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsrpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "ws://a:8001/ws", Weight: 10, Version: "1.0"},
	{Addr: "ws://b:8002/ws", Weight: 5, Version: "1.0"},
	{Addr: "ws://c:8003/ws", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var results []string
	for i := 0; i < 3; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		results = append(results, inst.Addr)
	}
	assert.Equal(t, []string{testInstances[0].Addr, testInstances[1].Addr, testInstances[2].Addr}, results)

	inst, err := b.Pick("", testInstances)
	require.NoError(t, err)
	assert.Equal(t, results[0], inst.Addr, "wraps around")
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick("key", nil)
		assert.ErrorIs(t, err, registry.ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weights are 10:5:10, so a should be picked about twice as often as b
	ratio := float64(counts[testInstances[0].Addr]) / float64(counts[testInstances[1].Addr])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick("", []registry.ServiceInstance{{Addr: "x"}, {Addr: "y"}})
	require.NoError(t, err)
	assert.Contains(t, []string{"x", "y"}, inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	inst1, err := b.Pick("client-123", testInstances)
	require.NoError(t, err)
	inst2, err := b.Pick("client-123", testInstances)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst2.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("client-%d", i), testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)

	// Removing another instance keeps the key where it was
	var remaining []registry.ServiceInstance
	for _, inst := range testInstances {
		if inst.Addr == inst1.Addr || len(remaining) == 0 {
			remaining = append(remaining, inst)
		}
	}
	inst3, err := b.Pick("client-123", remaining)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst3.Addr)
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "RoundRobin",
		"weighted_random": "WeightedRandom",
		"ConsistentHash":  "ConsistentHash",
	} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("fastest")
	assert.Error(t, err)
}

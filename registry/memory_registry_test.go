package registry

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewMemoryRegistry()
	updates := reg.Watch(ctx, "Calc")

	a := ServiceInstance{Addr: "ws://a/ws", Weight: 1}
	b := ServiceInstance{Addr: "ws://b/ws", Weight: 2}
	require.NoError(t, reg.Register(ctx, "Calc", b, 10))
	require.NoError(t, reg.Register(ctx, "Calc", a, 10))

	instances, err := reg.Discover(ctx, "Calc")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{a, b}, instances)

	// Only the latest list is kept for a slow watcher
	select {
	case got := <-updates:
		assert.Equal(t, []ServiceInstance{a, b}, got)
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(ctx, "Calc", a.Addr))
	assert.Equal(t, []ServiceInstance{b}, <-updates)

	empty, err := reg.Discover(ctx, "Other")
	require.NoError(t, err)
	assert.Empty(t, empty)

	cancel()
	for range updates {
	}
}

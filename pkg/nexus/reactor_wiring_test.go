package nexus

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/nexusd/pkg/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtDispatchesThroughReactor(t *testing.T) {
	n, registry, uris := testNexus(t, 4*1024*1024, 2)

	rt, err := reactor.NewRuntime(reactor.Config{Cores: []int{0}, OffReactorWorkers: 2, MaxBlockingTasks: 4}, nil)
	require.NoError(t, err)
	rt.Start()
	defer rt.Stop()

	n.SetDispatcher(rt.RunOnPrimary)

	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = 0x9d
	}
	require.NoError(t, n.WriteAt(context.Background(), 0, pattern))

	for _, uri := range uris {
		assert.Equal(t, pattern, directRead(t, registry, uri, 0, len(pattern)))
	}
}

// TestReactorIsolationFromBlockingWork checks reactor isolation: a burst
// of reactor-dispatched nexus writes completes promptly
// even while a concurrent spawn_blocking probe occupies the off-reactor
// pool, proving the two runtimes don't share a queue.
func TestReactorIsolationFromBlockingWork(t *testing.T) {
	n, _, _ := testNexus(t, 4*1024*1024, 2)

	rt, err := reactor.NewRuntime(reactor.Config{Cores: []int{0}, OffReactorWorkers: 1, MaxBlockingTasks: 1}, nil)
	require.NoError(t, err)
	rt.Start()
	defer rt.Stop()

	n.SetDispatcher(rt.RunOnPrimary)

	blockingDone, err := rt.SpawnBlocking(context.Background(), func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	buf := make([]byte, 4096)
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, n.WriteAt(context.Background(), 0, buf))
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	<-blockingDone
}

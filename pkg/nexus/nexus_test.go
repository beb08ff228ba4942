package nexus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/marmos91/nexusd/pkg/blockdev"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/marmos91/nexusd/pkg/nvmf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blockLen = 512

var mallocSeq int

func mallocURI(blocks uint64) string {
	mallocSeq++
	return fmt.Sprintf("bdev://malloc%d?blocks=%d&blk_size=%d", mallocSeq, blocks, blockLen)
}

func testNexus(t *testing.T, sizeBytes uint64, numChildren int) (*Nexus, *blockdev.Registry, []string) {
	registry := blockdev.NewRegistry()
	childBlocks := sizeBytes/blockLen + 16 // children slightly larger than the nexus
	uris := make([]string, numChildren)
	for i := range uris {
		uris[i] = mallocURI(childBlocks)
	}

	cfg := Config{SegmentBlocks: 4, TaskCount: 4, HistoryLimit: 8}
	n, err := Create(registry, nvmf.NewRegistry("nqn.2024-01.io.nexusd", "127.0.0.1", 4420, 4430, "optimized"), cfg, "nexus0", sizeBytes, "", uris)
	require.NoError(t, err)
	return n, registry, uris
}

func directRead(t *testing.T, registry *blockdev.Registry, uri string, offset uint64, length int) []byte {
	desc, err := registry.Open(uri)
	require.NoError(t, err)
	defer desc.Close()

	buf := make([]byte, length)
	require.NoError(t, desc.GetIOHandle().ReadAt(offset, buf))
	return buf
}

func waitForRebuild(t *testing.T, n *Nexus, dstURI string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n.ActiveJob(dstURI) == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("rebuild did not finish in time")
}

func TestHappyMirror(t *testing.T) {
	n, registry, uris := testNexus(t, 50*1024*1024, 2)

	pattern := make([]byte, 512*1024)
	for i := range pattern {
		pattern[i] = 0xA5
	}

	ctx := context.Background()
	require.NoError(t, n.WriteAt(ctx, 1024*1024, pattern))

	got := make([]byte, len(pattern))
	require.NoError(t, n.ReadAt(ctx, 1024*1024, got))
	assert.Equal(t, pattern, got)

	for _, uri := range uris {
		assert.Equal(t, pattern, directRead(t, registry, uri, 1024*1024, len(pattern)))
	}
}

func TestFaultSurvivingChild(t *testing.T) {
	n, _, uris := testNexus(t, 50*1024*1024, 2)

	ctx := context.Background()
	buf := make([]byte, 4096)
	require.NoError(t, n.WriteAt(ctx, 0, buf))

	require.NoError(t, n.FaultChild(uris[0], ReasonUnknown))

	got := make([]byte, 4096)
	require.NoError(t, n.ReadAt(ctx, 0, got))

	err := n.FaultChild(uris[1], ReasonUnknown)
	require.Error(t, err)
	code, ok := nexuserr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, nexuserr.WrongState, code)

	children := n.Children()
	for _, c := range children {
		if c.URI() == uris[1] {
			assert.Equal(t, ChildOpen, c.State())
		}
	}
}

func TestRebuildAfterAdd(t *testing.T) {
	registry := blockdev.NewRegistry()
	const size = 10 * 1024 * 1024
	child0 := mallocURI(size/blockLen + 16)
	child1 := mallocURI(size/blockLen + 16)

	cfg := Config{SegmentBlocks: 4, TaskCount: 4, HistoryLimit: 8}
	n, err := Create(registry, nvmf.NewRegistry("nqn.2024-01.io.nexusd", "127.0.0.1", 4420, 4430, "optimized"), cfg, "nexus1", size, "", []string{child0})
	require.NoError(t, err)

	pattern := make([]byte, 1024*1024)
	for i := range pattern {
		pattern[i] = 0x42
	}
	ctx := context.Background()
	require.NoError(t, n.WriteAt(ctx, 0, pattern))

	require.NoError(t, n.AddChild(ctx, child1, false))
	waitForRebuild(t, n, child1)

	got := directRead(t, registry, child1, 0, len(pattern))
	assert.Equal(t, pattern, got)

	history := n.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Partial)
	assert.Equal(t, "Completed", history[0].State.String())
	assert.Equal(t, uint64(size/blockLen), history[0].Stats.BlocksTransferred)
}

func TestPartialRebuild(t *testing.T) {
	registry := blockdev.NewRegistry()
	const size = 4 * 1024 * 1024
	child0 := mallocURI(size/blockLen + 16)
	child1 := mallocURI(size/blockLen + 16)

	cfg := Config{SegmentBlocks: 4, TaskCount: 4, HistoryLimit: 8}
	n, err := Create(registry, nvmf.NewRegistry("nqn.2024-01.io.nexusd", "127.0.0.1", 4420, 4430, "optimized"), cfg, "nexus2", size, "", []string{child0, child1})
	require.NoError(t, err)

	ctx := context.Background()
	p1 := make([]byte, 2048)
	for i := range p1 {
		p1[i] = 0x11
	}
	require.NoError(t, n.WriteAt(ctx, 0, p1))

	require.NoError(t, n.FaultChild(child1, ReasonUnknown))

	p2 := make([]byte, 2048)
	for i := range p2 {
		p2[i] = 0x22
	}
	require.NoError(t, n.WriteAt(ctx, 0, p2))

	require.NoError(t, n.AddChild(ctx, child1, false))
	waitForRebuild(t, n, child1)

	history := n.History()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.True(t, last.Partial)
	assert.Less(t, last.Stats.BlocksTransferred, last.Stats.BlocksTotal)

	got := directRead(t, registry, child1, 0, len(p2))
	assert.Equal(t, p2, got)
}

func TestShareIdempotenceAndDestroyGuard(t *testing.T) {
	n, _, _ := testNexus(t, 8*1024*1024, 1)

	props := nvmf.ShareProps{ANAState: "optimized"}
	uri1, err := n.ShareNvmf(props)
	require.NoError(t, err)

	uri2, err := n.ShareNvmf(props)
	require.NoError(t, err)
	assert.Equal(t, uri1, uri2)

	err = n.Destroy()
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.WrongState))

	require.NoError(t, n.Unshare())
	require.NoError(t, n.Unshare())

	uri3, err := n.ShareNvmf(props)
	require.NoError(t, err)
	assert.NotEqual(t, uri1, uri3)

	require.NoError(t, n.Unshare())
	require.NoError(t, n.Destroy())
}

func TestReadPastEndIsInvalidArgument(t *testing.T) {
	registry := blockdev.NewRegistry()
	const size = 1024 * 1024
	uri := mallocURI(size / blockLen)
	cfg := Config{SegmentBlocks: 4, TaskCount: 2, HistoryLimit: 4}
	n, err := Create(registry, nvmf.NewRegistry("nqn.2024-01.io.nexusd", "127.0.0.1", 4420, 4430, "optimized"), cfg, "nexus3", size, "", []string{uri})
	require.NoError(t, err)

	buf := make([]byte, blockLen)
	err = n.ReadAt(context.Background(), size, buf)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.InvalidArgument))
}

func TestWriteZeroLengthIsNoop(t *testing.T) {
	n, _, _ := testNexus(t, 1024*1024, 1)
	require.NoError(t, n.WriteAt(context.Background(), 0, nil))
}

func TestStartRebuildRequiresDegradedChild(t *testing.T) {
	n, _, uris := testNexus(t, 1024*1024, 2)
	ctx := context.Background()

	err := n.StartRebuild(ctx, uris[1])
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.WrongState))

	err = n.StartRebuild(ctx, "bdev://no-such-child")
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))
}

func TestStartRebuildAfterAddWithNorebuild(t *testing.T) {
	n, registry, _ := testNexus(t, 1024*1024, 1)
	ctx := context.Background()

	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = 0x9d
	}
	require.NoError(t, n.WriteAt(ctx, 0, pattern))

	extra := mallocURI(1024*1024/blockLen + 16)
	require.NoError(t, n.AddChild(ctx, extra, true))
	require.Nil(t, n.ActiveJob(extra))

	require.NoError(t, n.StartRebuild(ctx, extra))
	waitForRebuild(t, n, extra)

	got := directRead(t, registry, extra, 0, len(pattern))
	assert.Equal(t, pattern, got)

	for _, c := range n.Children() {
		if c.URI() == extra {
			assert.Equal(t, ChildOpen, c.State())
		}
	}
}

func TestRebuildControlOpsWithoutActiveJob(t *testing.T) {
	n, _, uris := testNexus(t, 1024*1024, 1)

	err := n.StopRebuild(uris[0])
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))
	err = n.PauseRebuild(uris[0])
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))
	err = n.ResumeRebuild(uris[0])
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))
	_, err = n.RebuildStats(uris[0])
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))
}

func TestPauseBlocksForegroundIO(t *testing.T) {
	n, _, _ := testNexus(t, 1024*1024, 1)
	buf := make([]byte, blockLen)

	n.Pause()
	assert.True(t, n.IsPaused())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := n.WriteAt(ctx, 0, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	n.Resume()
	assert.False(t, n.IsPaused())
	require.NoError(t, n.WriteAt(context.Background(), 0, buf))
}

func TestAddThenRemoveChildRoundTrips(t *testing.T) {
	n, _, uris := testNexus(t, 1024*1024, 1)
	ctx := context.Background()

	extra := mallocURI(1024*1024/blockLen + 16)
	require.NoError(t, n.AddChild(ctx, extra, true))
	require.Len(t, n.Children(), 2)

	require.NoError(t, n.RemoveChild(extra))
	children := n.Children()
	require.Len(t, children, 1)
	assert.Equal(t, uris[0], children[0].URI())

	// The same URI can be attached again; it comes back Degraded.
	require.NoError(t, n.AddChild(ctx, extra, true))
	for _, c := range n.Children() {
		if c.URI() == extra {
			assert.Equal(t, ChildDegraded, c.State())
		}
	}
}

func TestRemoveLastHealthyChildIsWrongState(t *testing.T) {
	n, _, uris := testNexus(t, 1024*1024, 1)

	err := n.RemoveChild(uris[0])
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.WrongState))
	assert.Equal(t, ChildOpen, n.Children()[0].State())
}

package rebuild

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/nexusd/pkg/rangelock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDevice is a trivial in-memory Reader/Writer used by job tests.
type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (d *memDevice) ReadAt(offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(buf, d.data[offset:])
	return nil
}

func (d *memDevice) WriteAt(offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[offset:], buf)
	return nil
}

func testConfig(src, dst *memDevice, totalBlocks uint64) Config {
	return Config{
		NexusName:     "nexus0",
		SrcURI:        "bdev://src",
		DstURI:        "bdev://dst",
		TotalBlocks:   totalBlocks,
		BlockLen:      512,
		SegmentBlocks: 4, // 2KiB segments
		TaskCount:     4,
		Src:           src,
		Dst:           dst,
		Locks:         rangelock.NewManager(),
	}
}

func TestFullRebuildCopiesAllData(t *testing.T) {
	const blocks = 64
	src := newMemDevice(blocks * 512)
	dst := newMemDevice(blocks * 512)
	for i := range src.data {
		src.data[i] = 0x42
	}

	job := NewJob(testConfig(src, dst, blocks), nil)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, Completed, job.State())
	assert.False(t, job.IsPartial())
	assert.Equal(t, src.data, dst.data)

	stats := job.Stats()
	assert.Equal(t, uint64(blocks), stats.BlocksTransferred)
	assert.Equal(t, float64(100), stats.Progress)
}

func TestPartialRebuildOnlyCopiesDirtySegments(t *testing.T) {
	const blocks = 64
	const segBlocks = 4
	nSegs := blocks / segBlocks

	src := newMemDevice(blocks * 512)
	dst := newMemDevice(blocks * 512)
	for i := range src.data {
		src.data[i] = 0x7A
	}
	for i := range dst.data {
		dst.data[i] = 0xFF
	}

	dirty := NewSegmentMap(uint64(nSegs), false)
	dirty.MarkDirty(0)
	dirty.MarkDirty(3)

	cfg := testConfig(src, dst, blocks)
	job := NewJob(cfg, dirty)
	require.NoError(t, job.Run(context.Background()))

	assert.True(t, job.IsPartial())
	stats := job.Stats()
	assert.Equal(t, uint64(2*segBlocks), stats.BlocksTransferred)
	assert.Less(t, stats.BlocksTransferred, stats.BlocksTotal)

	segLen := segBlocks * 512
	assert.Equal(t, src.data[0:segLen], dst.data[0:segLen])
	assert.Equal(t, src.data[3*segLen:4*segLen], dst.data[3*segLen:4*segLen])
	// untouched segment 1 still carries its original (clean) contents
	assert.Equal(t, byte(0xFF), dst.data[1*segLen])
}

func TestJobCallsOnTerminal(t *testing.T) {
	const blocks = 16
	src := newMemDevice(blocks * 512)
	dst := newMemDevice(blocks * 512)

	job := NewJob(testConfig(src, dst, blocks), nil)

	done := make(chan State, 1)
	job.OnTerminal(func(j *Job, state State, stats Stats) {
		done <- state
	})

	require.NoError(t, job.Run(context.Background()))

	select {
	case s := <-done:
		assert.Equal(t, Completed, s)
	case <-time.After(time.Second):
		t.Fatal("onTerminal callback not invoked")
	}
}

func TestRunningTwiceFromInitOnlyOnce(t *testing.T) {
	const blocks = 8
	src := newMemDevice(blocks * 512)
	dst := newMemDevice(blocks * 512)

	job := NewJob(testConfig(src, dst, blocks), nil)
	require.NoError(t, job.Run(context.Background()))

	err := job.Run(context.Background())
	require.Error(t, err)
}

func TestSegmentsDoneNeverExceedsTotalSegments(t *testing.T) {
	const blocks = 100
	src := newMemDevice(blocks * 512)
	dst := newMemDevice(blocks * 512)

	cfg := testConfig(src, dst, blocks)
	job := NewJob(cfg, nil)

	totalSegs := job.segMap.NumSegments()
	require.NoError(t, job.Run(context.Background()))
	assert.LessOrEqual(t, job.segsDone.Load(), totalSegs)
}

func TestStopHaltsDispatchOfNewSegments(t *testing.T) {
	const blocks = 4096
	src := newMemDevice(blocks * 512)
	dst := newMemDevice(blocks * 512)

	cfg := testConfig(src, dst, blocks)
	cfg.TaskCount = 1
	job := NewJob(cfg, nil)

	go func() {
		time.Sleep(2 * time.Millisecond)
		job.Stop()
	}()

	err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stopped, job.State())
	assert.Less(t, job.segsDone.Load(), job.segMap.NumSegments())
}

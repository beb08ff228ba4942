package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func TestNewPool_Success(t *testing.T) {
	t.Parallel()

	p, err := NewPool(16*testPageSize, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 16*testPageSize, p.AvailableBytes())
}

func TestNewPool_RoundsUpToPageMultiple(t *testing.T) {
	t.Parallel()

	p, err := NewPool(testPageSize+1, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 2*testPageSize, p.AvailableBytes())
}

func TestPool_New_Success(t *testing.T) {
	t.Parallel()

	p, err := NewPool(4*testPageSize, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	buf, err := p.New(100, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, 100, buf.Len())
	assert.Equal(t, 3*testPageSize, p.AvailableBytes())

	buf.Release()
	assert.Equal(t, 4*testPageSize, p.AvailableBytes())
}

func TestPool_New_ExhaustionFails(t *testing.T) {
	t.Parallel()

	p, err := NewPool(1*testPageSize, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.New(testPageSize, testPageSize)
	require.NoError(t, err)

	_, err = p.New(1, testPageSize)
	require.Error(t, err)

	var allocErr *ErrAlloc
	assert.ErrorAs(t, err, &allocErr)
}

func TestPool_New_RejectsNonPowerOfTwoAlign(t *testing.T) {
	t.Parallel()

	p, err := NewPool(4*testPageSize, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.New(100, 3)
	require.Error(t, err)
}

func TestBuffer_FillAndSlices(t *testing.T) {
	t.Parallel()

	p, err := NewPool(4*testPageSize, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	buf, err := p.New(64, testPageSize)
	require.NoError(t, err)
	defer buf.Release()

	buf.Fill(0xAB)
	for _, b := range buf.AsSlice() {
		assert.Equal(t, byte(0xAB), b)
	}

	buf.AsMutSlice()[0] = 0x00
	assert.Equal(t, byte(0x00), buf.AsSlice()[0])
}

func TestBuffer_Release_IsIdempotent(t *testing.T) {
	t.Parallel()

	p, err := NewPool(4*testPageSize, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	buf, err := p.New(64, testPageSize)
	require.NoError(t, err)

	buf.Release()
	assert.Equal(t, 4*testPageSize, p.AvailableBytes())

	assert.NotPanics(t, func() {
		buf.Release()
	})
	assert.Equal(t, 4*testPageSize, p.AvailableBytes())
}

func TestPool_New_MultiplePageAllocation(t *testing.T) {
	t.Parallel()

	p, err := NewPool(8*testPageSize, testPageSize)
	require.NoError(t, err)
	defer p.Close()

	buf, err := p.New(3*testPageSize, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, 5*testPageSize, p.AvailableBytes())

	buf.Release()
	assert.Equal(t, 8*testPageSize, p.AvailableBytes())
}

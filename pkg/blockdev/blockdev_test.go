package blockdev_test

import (
	"testing"

	"github.com/marmos91/nexusd/pkg/blockdev"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMalloc(t *testing.T, reg *blockdev.Registry, name string, blocks uint64) *blockdev.Handle {
	t.Helper()
	desc, err := reg.Open("bdev://" + name + "?blk_size=512&blocks=" + itoa(blocks))
	require.NoError(t, err)
	return desc.GetIOHandle()
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestReadWriteRoundTrip(t *testing.T) {
	reg := blockdev.NewRegistry()
	h := openMalloc(t, reg, "disk0", 100)

	pattern := make([]byte, 512*4)
	for i := range pattern {
		pattern[i] = 0xA5
	}

	require.NoError(t, h.WriteAt(512, pattern))

	out := make([]byte, len(pattern))
	require.NoError(t, h.ReadAt(512, out))
	assert.Equal(t, pattern, out)
}

func TestWriteZeroLengthIsNoop(t *testing.T) {
	reg := blockdev.NewRegistry()
	h := openMalloc(t, reg, "disk0", 10)

	require.NoError(t, h.WriteAt(0, nil))
}

func TestReadPastEndOfDeviceIsInvalidArgument(t *testing.T) {
	reg := blockdev.NewRegistry()
	h := openMalloc(t, reg, "disk0", 10)

	buf := make([]byte, 512)
	err := h.ReadAt(h.Device().SizeBytes(), buf)
	require.Error(t, err)
	code, ok := nexuserr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, nexuserr.InvalidArgument, code)
}

func TestMisalignedOffsetIsInvalidArgument(t *testing.T) {
	reg := blockdev.NewRegistry()
	h := openMalloc(t, reg, "disk0", 10)

	err := h.ReadAt(100, make([]byte, 512))
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.InvalidArgument))
}

func TestClaimIsExclusive(t *testing.T) {
	reg := blockdev.NewRegistry()
	desc, err := reg.Open("bdev://disk0?blk_size=512&blocks=10")
	require.NoError(t, err)

	require.NoError(t, desc.Claim("nexus-a"))
	require.NoError(t, desc.Claim("nexus-a")) // idempotent re-claim

	err = desc.Claim("nexus-b")
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.Claimed))

	desc.Unclaim("nexus-a")
	require.NoError(t, desc.Claim("nexus-b"))
}

func TestUnsupportedIOType(t *testing.T) {
	reg := blockdev.NewRegistry()
	desc, err := reg.Open("bdev://disk0?blk_size=512&blocks=10")
	require.NoError(t, err)
	desc.Device().SupportedIOTypes = map[blockdev.IOType]bool{blockdev.IORead: true, blockdev.IOWrite: true}

	h := desc.GetIOHandle()
	err = h.Unmap(0, 512)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.Unsupported))
}

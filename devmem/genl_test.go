//go:build linux

package devmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNlAttrEncodeDecodeRoundTrip(t *testing.T) {
	enc := newNlAttrEncoder()
	enc.putString(1, "eth0")
	enc.putU32(2, 0xdeadbeef)
	enc.putU8(3, 0x7a)

	attrs, err := decodeNlAttrs(enc.bytes())
	require.NoError(t, err)

	require.Equal(t, "eth0\x00", string(attrs[1]))
	require.Equal(t, uint32(0xdeadbeef), leU32(attrs[2]))
	require.Equal(t, byte(0x7a), attrs[3][0])
}

func TestNlAlignRoundsUpToFourBytes(t *testing.T) {
	require.Equal(t, 0, nlAlign(0))
	require.Equal(t, 4, nlAlign(1))
	require.Equal(t, 4, nlAlign(4))
	require.Equal(t, 8, nlAlign(5))
}

func TestDecodeNlAttrsRejectsTruncatedHeader(t *testing.T) {
	_, err := decodeNlAttrs([]byte{0x01, 0x00})
	require.Error(t, err)
}

func TestDecodeNlAttrsStripsNestedAndByteOrderFlags(t *testing.T) {
	enc := newNlAttrEncoder()
	enc.put(5|0x8000|0x4000, []byte{0x01})

	attrs, err := decodeNlAttrs(enc.bytes())
	require.NoError(t, err)
	require.Contains(t, attrs, uint16(5))
}

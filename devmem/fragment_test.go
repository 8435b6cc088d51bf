//go:build linux

package devmem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// buildDmabufCmsg lays out one SCM_DEVMEM_DMABUF control message the same
// way the kernel would hand it to recvmsg: a cmsghdr immediately followed by
// a dmabuf_cmsg payload.
func buildDmabufCmsg(c dmabufCmsg) []byte {
	buf := make([]byte, unix.CmsgSpace(sizeofDmabufCmsg))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = scmDevmemDmabuf
	h.SetLen(unix.CmsgLen(sizeofDmabufCmsg))
	copy(buf[unix.CmsgLen(0):], unsafe.Slice((*byte)(unsafe.Pointer(&c)), sizeofDmabufCmsg))
	return buf
}

func TestParseDevmemCmsgsDecodesDmabufFragment(t *testing.T) {
	oob := buildDmabufCmsg(dmabufCmsg{
		fragOffset: 4096,
		fragSize:   1500,
		fragToken:  7,
		dmabufID:   3,
	})

	frags, err := parseDevmemCmsgs(oob)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	require.Equal(t, FragmentDescriptor{
		DmabufID:   3,
		FragOffset: 4096,
		FragSize:   1500,
		Token:      FragmentToken(7),
	}, frags[0])
}

func TestParseDevmemCmsgsReturnsEmptyForNoControlMessages(t *testing.T) {
	frags, err := parseDevmemCmsgs(nil)
	require.NoError(t, err)
	require.Empty(t, frags)
}

func TestParseDevmemCmsgsRejectsTruncatedDmabufPayload(t *testing.T) {
	buf := make([]byte, unix.CmsgSpace(2))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = scmDevmemDmabuf
	h.SetLen(unix.CmsgLen(2))

	_, err := parseDevmemCmsgs(buf)
	require.Error(t, err)
}

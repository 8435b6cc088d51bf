//go:build linux

package devmem

import "unsafe"

// Kernel ABI constants and structs that golang.org/x/sys/unix does not (yet)
// expose for this snapshot of the toolchain. devmem TCP and udmabuf are both
// recent additions to the uapi surface; we hand-roll what's missing the same
// way afxdp.go hand-rolls sockaddr_xdp/xdp_ring_offset/xdp_umem_reg for
// AF_XDP structs that predate their own inclusion in some vendored copies of
// x/sys/unix.
const (
	// SO_ZEROCOPY and SO_BINDTODEVICE are standard Linux socket options
	// (asm-generic/socket.h); included here only because this vendor
	// snapshot omits them.
	soZerocopy     = 60
	soBindToDevice = 25

	// SO_DEVMEM_DONTNEED/SO_DEVMEM_LINEAR/SO_DEVMEM_DMABUF and their
	// SCM_DEVMEM_* aliases, from include/uapi/asm-generic/socket.h as of
	// the kernel version that introduced device-memory TCP.
	soDevmemDontNeed = 97
	soDevmemLinear   = 98
	soDevmemDmabuf   = 99
	scmDevmemLinear  = soDevmemLinear
	scmDevmemDmabuf  = soDevmemDmabuf

	// MSG_SOCK_DEVMEM requests devmem delivery on recvmsg. Defined as a
	// fallback by original_source/ncdevmem.c itself for the same reason.
	msgSockDevmem = 0x2000000

	// udmabuf misc-device ioctl, from include/uapi/linux/udmabuf.h.
	// UDMABUF_CREATE = _IOW('u', 0x42, struct udmabuf_create).
	udmabufCreate = 0x40187542
)

// dmabufCmsg mirrors struct dmabuf_cmsg (include/uapi/linux/socket.h as of
// the devmem TCP series): the ancillary payload carried by SCM_DEVMEM_DMABUF
// and SCM_DEVMEM_LINEAR control messages. For a LINEAR message only fragSize
// is meaningful; the rest of the struct is whatever the kernel left there.
type dmabufCmsg struct {
	fragOffset uint64
	fragSize   uint32
	fragToken  uint32
	dmabufID   uint32
	_          uint32 // pad: the leading uint64 forces 8-byte struct alignment
}

const sizeofDmabufCmsg = int(unsafe.Sizeof(dmabufCmsg{}))

// dmabufToken mirrors struct dmabuf_token, the argument to
// SO_DEVMEM_DONTNEED: a contiguous range of fragment tokens to release.
type dmabufToken struct {
	tokenStart uint32
	tokenCount uint32
}

const sizeofDmabufToken = int(unsafe.Sizeof(dmabufToken{}))

// udmabufCreateReq mirrors struct udmabuf_create.
type udmabufCreateReq struct {
	memfd  uint32
	flags  uint32
	offset uint64
	size   uint64
}

func loadDmabufCmsg(b []byte) dmabufCmsg {
	var c dmabufCmsg
	n := copy(unsafe.Slice((*byte)(unsafe.Pointer(&c)), sizeofDmabufCmsg), b)
	_ = n
	return c
}

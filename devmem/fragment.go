//go:build linux

package devmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FragmentDescriptor is the decoded form of an SCM_DEVMEM_DMABUF control
// message: a range of a bound dma-buf that now holds one fragment of an
// incoming TCP stream. FragOffset/FragSize are the (offset, length) pair
// this package carries everywhere instead of a pointer; only
// DeviceBuffer.CopyDeviceToDevice turns FragOffset into an mmap slice index.
type FragmentDescriptor struct {
	DmabufID   uint32
	FragOffset uint64
	FragSize   uint32
	Token      FragmentToken
	Linear     bool // true for SCM_DEVMEM_LINEAR: no dma-buf backing, skb linear copy only
}

// FragmentToken is the token the kernel hands back per fragment and that
// must be returned via SO_DEVMEM_DONTNEED once the fragment has been
// consumed, or the dma-buf region it names is never reused.
type FragmentToken uint32

// TxCompletion is a decoded zero-copy completion range read from
// MSG_ERRQUEUE: all send() calls whose zerocopy notification ids fall in
// [Lo, Hi] have been acknowledged by the NIC.
type TxCompletion struct {
	Lo uint32
	Hi uint32
}

// parseDevmemCmsgs walks the control messages attached to one recvmsg call
// and returns the devmem fragments found. Per do_server in
// original_source/ncdevmem.c, a non-devmem cmsg is skipped (not fatal by
// itself); the caller must still fail if the whole message carried zero
// devmem cmsgs, since that means flow steering delivered the connection to
// a socket devmem delivery was never requested on.
func parseDevmemCmsgs(oob []byte) ([]FragmentDescriptor, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: parse control messages: %w", ErrKernelUnsupported, err)
	}

	var frags []FragmentDescriptor
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET {
			continue
		}
		switch m.Header.Type {
		case scmDevmemLinear:
			var sz uint32
			if len(m.Data) >= 4 {
				sz = leU32(m.Data[:4])
			}
			frags = append(frags, FragmentDescriptor{FragSize: sz, Linear: true})
		case scmDevmemDmabuf:
			if len(m.Data) < sizeofDmabufCmsg {
				return nil, fmt.Errorf("%w: truncated dmabuf_cmsg", ErrKernelUnsupported)
			}
			c := loadDmabufCmsg(m.Data)
			frags = append(frags, FragmentDescriptor{
				DmabufID:   c.dmabufID,
				FragOffset: c.fragOffset,
				FragSize:   c.fragSize,
				Token:      FragmentToken(c.fragToken),
			})
		}
	}
	return frags, nil
}

// releaseToken returns a single fragment's token via SO_DEVMEM_DONTNEED.
// The original returns the setsockopt's own return value (fragments
// released) and treats anything but exactly 1 as fatal — flagged in
// SPEC_FULL.md as "very likely a bug", since setsockopt's success return is
// 0, not a released-count. Here a nil error is success; count mismatches
// are not checked.
func releaseToken(fd int, tok FragmentToken) error {
	t := dmabufToken{tokenStart: uint32(tok), tokenCount: 1}
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(unix.SOL_SOCKET), uintptr(soDevmemDontNeed),
		uintptr(unsafe.Pointer(&t)), uintptr(sizeofDmabufToken), 0)
	if errno != 0 {
		return fmt.Errorf("%w: SO_DEVMEM_DONTNEED: %w", ErrTransientIO, errno)
	}
	return nil
}

// waitCompletion polls fd for a zero-copy send completion on MSG_ERRQUEUE,
// grounded on wait_compl/do_poll in original_source/source/client.c:
// poll with a short timeout, recvmsg(MSG_ERRQUEUE), walk the ancillary data
// for a sock_extended_err whose origin is SO_EE_ORIGIN_ZEROCOPY.
func waitCompletion(fd int, timeoutMs int) (TxCompletion, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: int16(unix.POLLERR)}}
	n, err := unix.Poll(pfd, timeoutMs)
	if err != nil {
		return TxCompletion{}, fmt.Errorf("%w: poll for completion: %w", ErrTransientIO, err)
	}
	if n == 0 || pfd[0].Revents&int16(unix.POLLERR) == 0 {
		return TxCompletion{}, fmt.Errorf("%w: no completion within %dms", ErrCompletionTimeout, timeoutMs)
	}

	oob := make([]byte, unix.CmsgSpace(128))
	_, oobn, recvflags, _, err := unix.Recvmsg(fd, nil, oob, unix.MSG_ERRQUEUE)
	if err != nil {
		return TxCompletion{}, fmt.Errorf("%w: recvmsg(MSG_ERRQUEUE): %w", ErrTransientIO, err)
	}
	if recvflags&unix.MSG_CTRUNC != 0 {
		return TxCompletion{}, fmt.Errorf("%w: MSG_CTRUNC on errqueue recvmsg, completion lost", ErrCompletionTimeout)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return TxCompletion{}, fmt.Errorf("%w: parse errqueue cmsg: %w", ErrKernelUnsupported, err)
	}
	for _, m := range msgs {
		if len(m.Data) < sizeofSockExtendedErr {
			continue
		}
		serr := loadSockExtendedErr(m.Data)
		if serr.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
			continue
		}
		if serr.Errno != 0 {
			return TxCompletion{}, fmt.Errorf("%w: zerocopy completion errno=%d", ErrTransientIO, serr.Errno)
		}
		return TxCompletion{Lo: serr.Info, Hi: serr.Data}, nil
	}
	return TxCompletion{}, fmt.Errorf("%w: no zerocopy completion in errqueue message", ErrCompletionTimeout)
}

const sizeofSockExtendedErr = 16

func loadSockExtendedErr(b []byte) unix.SockExtendedErr {
	return unix.SockExtendedErr{
		Errno:  leU32(b[0:4]),
		Origin: b[4],
		Type:   b[5],
		Code:   b[6],
		Pad:    b[7],
		Info:   leU32(b[8:12]),
		Data:   leU32(b[12:16]),
	}
}

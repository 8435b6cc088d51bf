//go:build linux

package devmem

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DeviceBuffer is a region of memory exposed to the kernel as a dma-buf.
// offsets into it are carried as (offset, length) pairs everywhere in this
// package except inside the udmabuf backend itself, where a pointer is
// finally unavoidable at the mmap/copy boundary. No caller above this file
// ever sees a raw pointer into device memory.
type DeviceBuffer struct {
	fd      int // dma-buf fd, handed to BindRX/BindTX
	mem     []byte
	memfdFd int
}

// BufferProvider abstracts where a DeviceBuffer's backing memory comes
// from. The udmabuf backend below is the only implementation in this
// repository — a real GPU allocator is an external collaborator that would
// satisfy the same interface without the RX/TX engines or NIC control
// plane changing at all.
type BufferProvider interface {
	Allocate(size int) (*DeviceBuffer, error)
}

// udmabufProvider mocks a dmabuf provider the same way
// original_source/ncdevmem.c's header comment describes: seal an anonymous
// memfd against shrinking and growing, then register it with the
// kernel's udmabuf misc device to get back a dma-buf fd backed by that
// sealed memory.
type udmabufProvider struct {
	devPath string
}

// NewUdmabufProvider opens /dev/udmabuf lazily on each Allocate call; no
// state is held across calls besides the configured device path, so it's
// safe to share one provider across RX and TX engines.
func NewUdmabufProvider() BufferProvider {
	return udmabufProvider{devPath: "/dev/udmabuf"}
}

func (p udmabufProvider) Allocate(size int) (*DeviceBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size must be positive, got %d", ErrConfiguration, size)
	}
	pageSize := os.Getpagesize()
	size = ((size + pageSize - 1) / pageSize) * pageSize

	memfdFd, err := unix.MemfdCreate("devmem-nc", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %w", ErrConfiguration, err)
	}
	if err := unix.Ftruncate(memfdFd, int64(size)); err != nil {
		unix.Close(memfdFd)
		return nil, fmt.Errorf("%w: ftruncate memfd: %w", ErrConfiguration, err)
	}
	if _, err := unix.FcntlInt(uintptr(memfdFd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		unix.Close(memfdFd)
		return nil, fmt.Errorf("%w: seal memfd: %w", ErrConfiguration, err)
	}

	mem, err := unix.Mmap(memfdFd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(memfdFd)
		return nil, fmt.Errorf("%w: mmap memfd: %w", ErrConfiguration, err)
	}

	devFd, err := unix.Open(p.devPath, unix.O_RDWR, 0)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(memfdFd)
		return nil, fmt.Errorf("%w: open %s: %w", ErrConfiguration, p.devPath, err)
	}
	defer unix.Close(devFd)

	req := udmabufCreateReq{memfd: uint32(memfdFd), size: uint64(size)}
	dmabufFd, err := ioctlPtr(devFd, udmabufCreate, unsafe.Pointer(&req))
	if err != nil {
		unix.Munmap(mem)
		unix.Close(memfdFd)
		return nil, fmt.Errorf("%w: UDMABUF_CREATE: %w", ErrKernelUnsupported, err)
	}

	return &DeviceBuffer{fd: dmabufFd, mem: mem, memfdFd: memfdFd}, nil
}

// ioctlPtr issues an ioctl whose return value is itself the interesting
// result (UDMABUF_CREATE returns the new dma-buf fd, not 0), matching the
// raw unix.Syscall idiom afxdp.go uses for setsockopt/getsockopt rather
// than unix.IoctlSetInt, which discards the return value.
func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// Fd returns the dma-buf file descriptor passed to BindRX/BindTX.
func (b *DeviceBuffer) Fd() int { return b.fd }

// sliceAt exposes the mmap'd region backing [offset, offset+length) as a
// plain Go slice. It exists only for the send path's iovec construction
// (unix.Sendmsg needs an actual []byte, not a dma-buf offset) and is never
// called by anything that should instead be carrying an (offset, length)
// pair — every caller above tx.go's sendSegments deals in offsetLen values.
func (b *DeviceBuffer) sliceAt(offset, length int) ([]byte, error) {
	if offset < 0 || offset+length > len(b.mem) {
		return nil, fmt.Errorf("%w: slice out of range (offset=%d len=%d cap=%d)",
			ErrConfiguration, offset, length, len(b.mem))
	}
	return b.mem[offset : offset+length], nil
}

// Len returns the buffer's capacity in bytes.
func (b *DeviceBuffer) Len() int { return len(b.mem) }

// CopyHostToDevice copies src into the buffer at offset. For a
// udmabuf-backed buffer "host" and "device" addressing coincide, since the
// backing memory is ordinary sealed RAM — the abstraction point is the
// dma-buf fd, not the copy primitive. A real GPU-backed provider would
// route this through its own copy engine instead of a slice copy.
func (b *DeviceBuffer) CopyHostToDevice(offset int, src []byte) error {
	if offset < 0 || offset+len(src) > len(b.mem) {
		return fmt.Errorf("%w: host-to-device copy out of range (offset=%d len=%d cap=%d)",
			ErrConfiguration, offset, len(src), len(b.mem))
	}
	copy(b.mem[offset:], src)
	return nil
}

// CopyDeviceToDevice copies length bytes starting at srcOffset to dst,
// standing in for the hipMemcpy device-to-device call
// original_source/ncdevmem.c makes once a received fragment's offset and
// length are known.
func (b *DeviceBuffer) CopyDeviceToDevice(dst []byte, srcOffset, length int) error {
	if srcOffset < 0 || srcOffset+length > len(b.mem) {
		return fmt.Errorf("%w: device-to-device copy out of range (offset=%d len=%d cap=%d)",
			ErrConfiguration, srcOffset, length, len(b.mem))
	}
	copy(dst, b.mem[srcOffset:srcOffset+length])
	return nil
}

// Close unmaps the buffer and closes both the dma-buf fd and the backing
// memfd, in that order, joining any errors exactly as afxdp.Socket.Close
// does for its own multi-resource teardown.
func (b *DeviceBuffer) Close() error {
	var errs []error
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			errs = append(errs, err)
		}
		b.mem = nil
	}
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil {
			errs = append(errs, err)
		}
		b.fd = -1
	}
	if b.memfdFd >= 0 {
		if err := unix.Close(b.memfdFd); err != nil {
			errs = append(errs, err)
		}
		b.memfdFd = -1
	}
	return errors.Join(errs...)
}

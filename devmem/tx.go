//go:build linux

package devmem

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/devmem-nc/ratelimit"
)

// maxSegments caps how many chunks one send() call may split a payload
// into. original_source/source/client.c fixes MAX_IOV at 1024; exceeding it
// is fatal rather than silently re-batched, since a larger segment count
// would also violate the single-outstanding completion policy's assumption
// that one sendmsg corresponds to one wait_compl.
const maxSegments = 1024

// Source supplies the bytes the TX engine writes into the dma-buf each
// iteration; either a Validator-driven generator or a line-oriented stdin
// reader satisfies it.
type Source interface {
	// Next returns up to len(p) bytes, or io.EOF once exhausted.
	Next(p []byte) (int, error)
}

// TXConfig is the parameter record Send runs against.
type TXConfig struct {
	PeerAddr   string
	LocalAddr  string // optional
	Iface      string
	LineSize   int
	MaxChunk   int // 0 = unchunked
	WaitTimeMs int
	PacePPS    uint64 // optional, 0 disables pacing
}

// TXReport summarizes one Send run.
type TXReport struct {
	TotalSent uint64
}

// Send implements the transmit engine end to end: bind, zero-copy setup,
// producer loop, chunked send, completion wait. Grounded on do_client in
// original_source/ncdevmem.c and client_dma_start/wait_compl in
// original_source/source/client.c.
func Send(cfg TXConfig, buf *DeviceBuffer, source Source) (TXReport, error) {
	var report TXReport
	if cfg.WaitTimeMs == 0 {
		cfg.WaitTimeMs = 1000
	}

	cp, err := NewControlPlane(cfg.Iface)
	if err != nil {
		return report, err
	}

	sockFd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return report, fmt.Errorf("%w: create tx socket: %w", ErrConfiguration, err)
	}
	defer unix.Close(sockFd)

	if err := unix.SetsockoptInt(sockFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return report, fmt.Errorf("%w: SO_REUSEADDR: %w", ErrConfiguration, err)
	}
	if err := unix.SetsockoptString(sockFd, unix.SOL_SOCKET, soBindToDevice, cfg.Iface); err != nil {
		return report, fmt.Errorf("%w: SO_BINDTODEVICE: %w", ErrConfiguration, err)
	}

	binding, err := cp.BindTX(buf.Fd())
	if err != nil {
		return report, err
	}
	defer binding.Close()

	if cfg.LocalAddr != "" {
		host, portStr, err := net.SplitHostPort(cfg.LocalAddr)
		if err != nil {
			return report, fmt.Errorf("%w: parse local address %q: %w", ErrConfiguration, cfg.LocalAddr, err)
		}
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		sa, err := sockaddrInet6(host, port)
		if err != nil {
			return report, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		if err := unix.Bind(sockFd, sa); err != nil {
			return report, fmt.Errorf("%w: bind local address: %w", ErrConfiguration, err)
		}
	}

	if err := unix.SetsockoptInt(sockFd, unix.SOL_SOCKET, soZerocopy, 1); err != nil {
		return report, fmt.Errorf("%w: SO_ZEROCOPY: %w", ErrConfiguration, err)
	}

	peerHost, peerPortStr, err := net.SplitHostPort(cfg.PeerAddr)
	if err != nil {
		return report, fmt.Errorf("%w: parse peer address %q: %w", ErrConfiguration, cfg.PeerAddr, err)
	}
	var peerPort int
	fmt.Sscanf(peerPortStr, "%d", &peerPort)
	peerSa, err := sockaddrInet6(peerHost, peerPort)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := unix.Connect(sockFd, peerSa); err != nil {
		return report, fmt.Errorf("%w: connect: %w", ErrConfiguration, err)
	}

	// line_size == 0 is the degenerate case spec.md §8 calls out
	// explicitly: one zero-length sendmsg, no completion wait, no
	// producer loop at all.
	if cfg.LineSize == 0 {
		if err := unix.Sendmsg(sockFd, nil, nil, nil, 0); err != nil {
			return report, fmt.Errorf("%w: zero-length sendmsg: %w", ErrTransientIO, err)
		}
		return report, nil
	}

	throttle := ratelimit.New(cfg.PacePPS)

	line := make([]byte, cfg.LineSize)
	bufCap := buf.Len()
	var devOffset int

	for report.TotalSent < uint64(bufCap) {
		n, srcErr := source.Next(line)
		if n == 0 {
			break
		}
		payload := line[:n]

		if devOffset+n > bufCap {
			devOffset = 0
		}
		if err := buf.CopyHostToDevice(devOffset, payload); err != nil {
			return report, err
		}

		segments, err := chunkOffsets(devOffset, n, cfg.MaxChunk)
		if err != nil {
			return report, err
		}

		sent, err := sendSegments(sockFd, buf, binding.DmabufID, segments)
		if err != nil {
			return report, err
		}

		if _, err := waitCompletion(sockFd, cfg.WaitTimeMs); err != nil {
			return report, err
		}

		report.TotalSent += uint64(sent)
		devOffset += n
		throttle.ThrottleN(uint64(len(segments)))

		if srcErr != nil {
			break
		}
	}

	return report, nil
}

// offsetLen is a dma-buf (offset, length) pair — the representation this
// package carries everywhere a pointer would appear in
// original_source/source/client.c's iovec construction. See spec.md §9's
// REDESIGN FLAG: offsets are never raw pointers until a syscall needs one.
type offsetLen struct {
	offset int
	length int
}

// chunkOffsets splits [devOffset, devOffset+n) into segments of size
// maxChunk (0 meaning unchunked), matching client_dma_start's iovec loop:
// ⌈n / maxChunk⌉ segments, the last trimmed to the remainder. More than
// maxSegments segments is fatal.
func chunkOffsets(devOffset, n, maxChunk int) ([]offsetLen, error) {
	if maxChunk <= 0 {
		return []offsetLen{{offset: devOffset, length: n}}, nil
	}
	count := (n + maxChunk - 1) / maxChunk
	if count > maxSegments {
		return nil, fmt.Errorf("%w: payload requires %d segments, cap is %d", ErrConfiguration, count, maxSegments)
	}
	segs := make([]offsetLen, count)
	for i := 0; i < count; i++ {
		off := devOffset + i*maxChunk
		length := maxChunk
		if i == count-1 {
			length = n - i*maxChunk
		}
		segs[i] = offsetLen{offset: off, length: length}
	}
	return segs, nil
}

// sendSegments concatenates the bytes named by segments (each an offset
// into buf, resolved to a real slice only here — see DeviceBuffer.sliceAt)
// and sends them as one message carrying a single SCM_DEVMEM_DMABUF
// control message naming dmabufID, with MSG_ZEROCOPY set. Go's
// unix.SendmsgN takes one flat payload rather than a caller-built iovec
// array, so the
// multi-segment structure client_dma_start expresses as separate iovecs
// collapses here into one contiguous write — the kernel sees the same
// bytes either way, since the segments are themselves contiguous in the
// dma-buf by construction (chunkOffsets never leaves gaps). The returned
// count is the kernel-reported byte count from sendmsg, not the requested
// length — a short write must not be accounted as a full one.
func sendSegments(fd int, buf *DeviceBuffer, dmabufID uint32, segments []offsetLen) (int, error) {
	total := 0
	for _, s := range segments {
		total += s.length
	}
	payload := make([]byte, 0, total)
	for _, s := range segments {
		chunk, err := buf.sliceAt(s.offset, s.length)
		if err != nil {
			return 0, err
		}
		payload = append(payload, chunk...)
	}

	oob := make([]byte, unix.CmsgSpace(4))
	putDmabufCmsg(oob, dmabufID)

	n, err := unix.SendmsgN(fd, payload, oob, nil, msgZerocopy)
	if err != nil {
		return 0, fmt.Errorf("%w: sendmsg(MSG_ZEROCOPY): %w", ErrTransientIO, err)
	}
	return n, nil
}

// putDmabufCmsg writes one SCM_DEVMEM_DMABUF control message naming
// dmabufID into buf, which must be exactly unix.CmsgSpace(4) bytes. Same
// unsafe.Pointer-over-Cmsghdr idiom unix.UnixCredentials uses for its own
// SCM_CREDENTIALS message.
func putDmabufCmsg(buf []byte, dmabufID uint32) {
	h := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = scmDevmemDmabuf
	h.SetLen(unix.CmsgLen(4))
	putU32LE(buf[unix.CmsgLen(0):], dmabufID)
}

func putU32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

const msgZerocopy = 0x4000000

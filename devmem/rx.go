//go:build linux

package devmem

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// RXConfig is the parameter record Serve runs against. An explicit struct
// rather than positional arguments, per spec.md §9's "configuration is an
// explicit record" decision — mirrors the teacher's SocketConfig shape.
type RXConfig struct {
	ListenAddr string
	Iface      string
	StartQueue int
	NumQueues  int
	ClientAddr string // optional, used only for the flow rule's 5-tuple
	ClientPort int
	Validator  *Validator
}

// RXReport summarizes one Serve run for the orchestrator's final printout.
type RXReport struct {
	TotalReceived       uint64
	PageAlignedFrags    uint64
	NonPageAlignedFrags uint64
	LinearFrags         uint64
	Mismatches          int
}

// Serve implements the receive engine end to end: NIC sequencing, bind,
// accept, the devmem recvmsg loop, and clean teardown. Grounded throughout
// on do_server in original_source/ncdevmem.c.
func Serve(cfg RXConfig, buf *DeviceBuffer) (RXReport, error) {
	var report RXReport

	cp, err := NewControlPlane(cfg.Iface)
	if err != nil {
		return report, err
	}

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return report, fmt.Errorf("%w: parse listen address %q: %w", ErrConfiguration, cfg.ListenAddr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return report, fmt.Errorf("%w: parse listen port %q: %w", ErrConfiguration, portStr, err)
	}

	if err := cp.PrepareRX(cfg.StartQueue, host, cfg.ClientAddr, cfg.ClientPort, port); err != nil {
		return report, err
	}

	binding, err := cp.BindRX(buf.Fd(), cfg.StartQueue, cfg.NumQueues)
	if err != nil {
		return report, err
	}
	defer binding.Close()

	sockFd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return report, fmt.Errorf("%w: create listening socket: %w", ErrConfiguration, err)
	}
	defer unix.Close(sockFd)

	if err := unix.SetsockoptInt(sockFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return report, fmt.Errorf("%w: SO_REUSEADDR: %w", ErrConfiguration, err)
	}

	sa6, err := sockaddrInet6(host, port)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := unix.Bind(sockFd, sa6); err != nil {
		return report, fmt.Errorf("%w: bind listening socket: %w", ErrConfiguration, err)
	}
	if err := unix.Listen(sockFd, 1); err != nil {
		return report, fmt.Errorf("%w: listen: %w", ErrConfiguration, err)
	}

	clientFd, _, err := unix.Accept(sockFd)
	if err != nil {
		return report, fmt.Errorf("%w: accept: %w", ErrConfiguration, err)
	}
	defer unix.Close(clientFd)

	staging := make([]byte, buf.Len())
	ctrlBuf := make([]byte, unix.CmsgSpace(sizeofDmabufCmsg)*64)

	var endptr uint64
	haveEndptr := false

	for {
		n, oobn, _, _, err := unix.Recvmsg(clientFd, nil, ctrlBuf, msgSockDevmem)
		if err != nil {
			// Soft-fail: a recvmsg error here is never worse than a lost
			// iteration, not a reason to tear down the connection.
			fmt.Fprintf(os.Stderr, "%v: recvmsg(MSG_SOCK_DEVMEM): %v\n", ErrTransientIO, err)
			continue
		}
		if n == 0 {
			break // peer closed
		}

		frags, err := parseDevmemCmsgs(ctrlBuf[:oobn])
		if err != nil {
			return report, err
		}
		if len(frags) == 0 {
			return report, fmt.Errorf("%w: message carried no devmem descriptors", ErrFlowSteeringLeak)
		}

		for _, frag := range frags {
			if frag.Linear {
				report.LinearFrags++
				continue
			}
			if frag.DmabufID != binding.DmabufID {
				return report, fmt.Errorf("%w: fragment dmabuf_id=%d, bound id=%d",
					ErrFlowSteeringLeak, frag.DmabufID, binding.DmabufID)
			}

			if !haveEndptr {
				haveEndptr = true
			} else if endptr == frag.FragOffset {
				report.PageAlignedFrags++
			} else {
				report.NonPageAlignedFrags++
			}
			endptr = frag.FragOffset + uint64(frag.FragSize)

			if err := buf.CopyDeviceToDevice(staging[report.TotalReceived:], int(frag.FragOffset), int(frag.FragSize)); err != nil {
				return report, err
			}

			if cfg.Validator != nil {
				if err := cfg.Validator.Check(staging[report.TotalReceived:report.TotalReceived+uint64(frag.FragSize)], report.TotalReceived); err != nil {
					return report, err
				}
			}

			if err := releaseToken(clientFd, frag.Token); err != nil {
				return report, err
			}

			report.TotalReceived += uint64(frag.FragSize)
		}
	}

	if cfg.Validator != nil {
		report.Mismatches = cfg.Validator.Mismatches()
	}
	return report, nil
}

func sockaddrInet6(host string, port int) (*unix.SockaddrInet6, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv6zero
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("address %q is not a valid IPv4/IPv6 address", host)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip16)
	return sa, nil
}

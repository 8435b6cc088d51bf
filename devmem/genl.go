//go:build linux

package devmem

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// genlSession is a scoped AF_NETLINK/NETLINK_GENERIC socket: one request at
// a time, sequence numbers assigned locally, closed by the caller on every
// exit path. ynl_sock_destroy in original_source/ncdevmem.c does the same
// implicit-unbind-on-close: there is no explicit "unbind" verb anywhere in
// this package, only genlSession.Close.
type genlSession struct {
	fd  int
	seq uint32
}

func openGenlSession() (*genlSession, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_GENERIC)
	if err != nil {
		return nil, fmt.Errorf("%w: open netlink socket: %w", ErrConfiguration, err)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: bind netlink socket: %w", ErrConfiguration, err)
	}
	return &genlSession{fd: fd}, nil
}

func (s *genlSession) Close() error {
	if s == nil || s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func (s *genlSession) nextSeq() uint32 {
	s.seq++
	return s.seq
}

// resolveFamily asks netlink's control family (GENL_ID_CTRL) for the numeric
// family id registered for name, the same CTRL_CMD_GETFAMILY round trip
// every genl client needs before it can address "ethtool" or "netdev" by id.
func (s *genlSession) resolveFamily(name string) (uint16, error) {
	req := newNlAttrEncoder()
	req.putString(unix.CTRL_ATTR_FAMILY_NAME, name)
	reply, err := s.request(unix.GENL_ID_CTRL, unix.CTRL_CMD_GETFAMILY, 1, req.bytes())
	if err != nil {
		return 0, fmt.Errorf("resolve genl family %q: %w", name, err)
	}
	attrs, err := decodeNlAttrs(reply[sizeofGenlmsghdr:])
	if err != nil {
		return 0, err
	}
	raw, ok := attrs[unix.CTRL_ATTR_FAMILY_ID]
	if !ok {
		return 0, fmt.Errorf("%w: genl family %q has no id attribute", ErrKernelUnsupported, name)
	}
	return binary.LittleEndian.Uint16(raw), nil
}

// request sends one genl message and returns the body of the first reply
// frame read back (everything after the nlmsghdr, starting with the
// genlmsghdr, which callers skip); an error reply becomes a Go error and an
// ACK yields a nil body. Dump responses spanning multiple frames are not
// needed by any operation in this package: every request here resolves to
// exactly one answer.
func (s *genlSession) request(family uint16, cmd, version uint8, attrs []byte) ([]byte, error) {
	gh := genlmsghdrBytes(cmd, version)
	payload := append(gh, attrs...)

	hdr := unix.NlMsghdr{
		Len:   uint32(sizeofNlMsghdr + len(payload)),
		Type:  family,
		Flags: unix.NLM_F_REQUEST | unix.NLM_F_ACK,
		Seq:   s.nextSeq(),
		Pid:   0,
	}
	msg := append(nlMsghdrBytes(hdr), payload...)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	if err := unix.Sendto(s.fd, msg, 0, sa); err != nil {
		return nil, fmt.Errorf("%w: sendto netlink: %w", ErrTransientIO, err)
	}

	buf := make([]byte, 16*1024)
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: recvfrom netlink: %w", ErrTransientIO, err)
	}
	return parseNlReply(buf[:n], hdr.Seq)
}

// parseNlReply strips the nlmsghdr, rejects a mismatched sequence number,
// and surfaces an NLMSG_ERROR payload (errno 0 is an ACK, not a failure) as
// a Go error.
func parseNlReply(buf []byte, wantSeq uint32) ([]byte, error) {
	if len(buf) < sizeofNlMsghdr {
		return nil, fmt.Errorf("%w: netlink reply shorter than nlmsghdr", ErrKernelUnsupported)
	}
	hdr := loadNlMsghdr(buf)
	if hdr.Seq != wantSeq {
		return nil, fmt.Errorf("%w: netlink reply seq %d != request seq %d", ErrKernelUnsupported, hdr.Seq, wantSeq)
	}
	body := buf[sizeofNlMsghdr:hdr.Len]
	if hdr.Type == unix.NLMSG_ERROR {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: truncated NLMSG_ERROR", ErrKernelUnsupported)
		}
		errno := int32(binary.LittleEndian.Uint32(body))
		if errno != 0 {
			return nil, fmt.Errorf("%w: netlink error %d", ErrKernelUnsupported, -errno)
		}
		return nil, nil
	}
	return body, nil
}

const (
	sizeofNlMsghdr   = int(unsafe.Sizeof(unix.NlMsghdr{}))
	sizeofGenlmsghdr = int(unsafe.Sizeof(unix.Genlmsghdr{}))
	sizeofNlAttr     = int(unsafe.Sizeof(unix.NlAttr{}))

	// nlaTypeMask strips NLA_F_NESTED/NLA_F_NET_BYTEORDER (the top two
	// bits of an nlattr type), matching how every genl attribute table
	// in this package is indexed.
	nlaTypeMask = 0x3fff
)

func nlMsghdrBytes(h unix.NlMsghdr) []byte {
	b := make([]byte, sizeofNlMsghdr)
	binary.LittleEndian.PutUint32(b[0:4], h.Len)
	binary.LittleEndian.PutUint16(b[4:6], h.Type)
	binary.LittleEndian.PutUint16(b[6:8], h.Flags)
	binary.LittleEndian.PutUint32(b[8:12], h.Seq)
	binary.LittleEndian.PutUint32(b[12:16], h.Pid)
	return b
}

func loadNlMsghdr(b []byte) unix.NlMsghdr {
	return unix.NlMsghdr{
		Len:   binary.LittleEndian.Uint32(b[0:4]),
		Type:  binary.LittleEndian.Uint16(b[4:6]),
		Flags: binary.LittleEndian.Uint16(b[6:8]),
		Seq:   binary.LittleEndian.Uint32(b[8:12]),
		Pid:   binary.LittleEndian.Uint32(b[12:16]),
	}
}

func genlmsghdrBytes(cmd, version uint8) []byte {
	b := make([]byte, sizeofGenlmsghdr)
	b[0] = cmd
	b[1] = version
	return b
}

// nlAlign rounds n up to NLA_ALIGNTO (4 bytes), the same padding arithmetic
// gvisor's netlink/message.go calls alignPad.
func nlAlign(n int) int {
	const align = unix.NLA_ALIGNTO
	return (n + align - 1) &^ (align - 1)
}

// nlAttrEncoder builds a flat, correctly padded nlattr stream.
type nlAttrEncoder struct {
	buf []byte
}

func newNlAttrEncoder() *nlAttrEncoder { return &nlAttrEncoder{} }

func (e *nlAttrEncoder) putString(typ uint16, s string) {
	e.put(typ, append([]byte(s), 0))
}

func (e *nlAttrEncoder) putU32(typ uint16, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	e.put(typ, b)
}

func (e *nlAttrEncoder) putU8(typ uint16, v uint8) {
	e.put(typ, []byte{v})
}

func (e *nlAttrEncoder) put(typ uint16, val []byte) {
	hdrLen := sizeofNlAttr
	total := hdrLen + len(val)
	hdr := make([]byte, hdrLen)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(total))
	binary.LittleEndian.PutUint16(hdr[2:4], typ)
	e.buf = append(e.buf, hdr...)
	e.buf = append(e.buf, val...)
	if pad := nlAlign(total) - total; pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

func (e *nlAttrEncoder) bytes() []byte { return e.buf }

// decodeNlAttrs walks a flat nlattr stream into a type->value map. Nested
// attributes (e.g. ethtool's per-queue arrays) are handled by the caller by
// re-running decodeNlAttrs on the value slice; nothing in this package
// nests more than one level deep.
func decodeNlAttrs(buf []byte) (map[uint16][]byte, error) {
	out := make(map[uint16][]byte)
	for len(buf) > 0 {
		if len(buf) < sizeofNlAttr {
			return nil, fmt.Errorf("%w: truncated nlattr header", ErrKernelUnsupported)
		}
		total := int(binary.LittleEndian.Uint16(buf[0:2]))
		typ := binary.LittleEndian.Uint16(buf[2:4])
		if total < sizeofNlAttr || total > len(buf) {
			return nil, fmt.Errorf("%w: nlattr length %d out of range", ErrKernelUnsupported, total)
		}
		out[typ&nlaTypeMask] = buf[sizeofNlAttr:total]
		buf = buf[nlAlign(total):]
	}
	return out, nil
}

//go:build linux

package devmem

import (
	"fmt"
)

// Generic-netlink "netdev" family attribute ids, mirrored from
// Documentation/netlink/specs/netdev.yaml the way a YNL-generated
// netdev-user.h would expose them.
const (
	netdevCmdBindRx = 0x14
	netdevCmdBindTx = 0x15

	netdevAttrBindIfIndex = 1
	netdevAttrBindFd      = 2
	netdevAttrBindQueues  = 3
	netdevAttrBindID      = 4

	netdevAttrQueueID   = 1
	netdevAttrQueueType = 2

	netdevQueueTypeRX = 0
)

// QueueID identifies one NIC hardware queue by index. The kernel
// distinguishes RX and TX queue id spaces; this package only ever binds RX
// queues by id (bind_tx_queue in original_source/ncdevmem.c binds the whole
// device, not individual queues).
type QueueID uint32

// BindingHandle is a scoped netdev dma-buf binding. Its Close tears down
// the genl session that created it, which — per ynl_sock_destroy's own
// behavior in original_source/ncdevmem.c — implicitly unbinds. There is no
// separate unbind call anywhere in this package; see SPEC_FULL.md §9's
// scoped-resource note.
type BindingHandle struct {
	session  *genlSession
	DmabufID uint32
}

// Close releases the binding. Safe to call multiple times.
func (h *BindingHandle) Close() error {
	if h == nil || h.session == nil {
		return nil
	}
	err := h.session.Close()
	h.session = nil
	return err
}

// BindRX binds dmabufFd to the given RX queues on ifIndex. An empty queues
// slice, or a kernel response lacking an id attribute, are both surfaced as
// ErrKernelUnsupported — the same two assertions run_devmem_tests checks in
// original_source/ncdevmem.c ("binding empty queues array should have
// failed", "id not present").
func BindRX(ifIndex int, dmabufFd int, queues []QueueID) (*BindingHandle, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: bind rx with no queues", ErrKernelUnsupported)
	}

	s, err := openGenlSession()
	if err != nil {
		return nil, err
	}

	family, err := s.resolveFamily("netdev")
	if err != nil {
		s.Close()
		return nil, err
	}

	qenc := newNlAttrEncoder()
	for _, q := range queues {
		nested := newNlAttrEncoder()
		nested.putU32(netdevAttrQueueType, netdevQueueTypeRX)
		nested.putU32(netdevAttrQueueID, uint32(q))
		qenc.put(netdevAttrBindQueues, nested.bytes())
	}

	req := newNlAttrEncoder()
	req.putU32(netdevAttrBindIfIndex, uint32(ifIndex))
	req.putU32(netdevAttrBindFd, uint32(dmabufFd))
	req.buf = append(req.buf, qenc.bytes()...)

	reply, err := s.request(family, netdevCmdBindRx, 1, req.bytes())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("netdev bind-rx: %w", err)
	}
	attrs, err := decodeNlAttrs(reply[sizeofGenlmsghdr:])
	if err != nil {
		s.Close()
		return nil, err
	}
	idRaw, ok := attrs[netdevAttrBindID]
	if !ok {
		s.Close()
		return nil, fmt.Errorf("%w: bind-rx response has no id attribute", ErrKernelUnsupported)
	}

	return &BindingHandle{session: s, DmabufID: leU32(idRaw)}, nil
}

// BindTX binds dmabufFd for zero-copy transmit on ifIndex. Unlike BindRX
// this binds the whole device, not individual queues — bind_tx_queue in
// original_source/ncdevmem.c takes no queue list either.
func BindTX(ifIndex int, dmabufFd int) (*BindingHandle, error) {
	s, err := openGenlSession()
	if err != nil {
		return nil, err
	}

	family, err := s.resolveFamily("netdev")
	if err != nil {
		s.Close()
		return nil, err
	}

	req := newNlAttrEncoder()
	req.putU32(netdevAttrBindIfIndex, uint32(ifIndex))
	req.putU32(netdevAttrBindFd, uint32(dmabufFd))

	reply, err := s.request(family, netdevCmdBindTx, 1, req.bytes())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("netdev bind-tx: %w", err)
	}
	attrs, err := decodeNlAttrs(reply[sizeofGenlmsghdr:])
	if err != nil {
		s.Close()
		return nil, err
	}
	idRaw, ok := attrs[netdevAttrBindID]
	if !ok {
		s.Close()
		return nil, fmt.Errorf("%w: bind-tx response has no id attribute", ErrKernelUnsupported)
	}

	return &BindingHandle{session: s, DmabufID: leU32(idRaw)}, nil
}

// DefaultQueues builds the RX queue list create_queues builds in
// original_source/ncdevmem.c: n consecutive queue ids starting at start.
func DefaultQueues(start, n int) []QueueID {
	qs := make([]QueueID, n)
	for i := range qs {
		qs[i] = QueueID(start + i)
	}
	return qs
}

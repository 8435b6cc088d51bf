//go:build linux

package devmem

import (
	"bytes"
	"fmt"
	"os/exec"
)

// Generic-netlink "ethtool" family attribute ids, mirrored from the
// kernel's Documentation/netlink/specs/ethtool.yaml the way a YNL-generated
// ethtool-user.h would expose them. original_source/ncdevmem.c reaches
// these through the YNL-generated ethtool_channels_get/ethtool_rings_get/
// ethtool_rings_set wrappers; we address the same nested attributes by hand.
const (
	ethtoolCmdChannelsGet = 0x3c
	ethtoolCmdRingsGet    = 0x7
	ethtoolCmdRingsSet    = 0x8

	ethtoolAttrHeader       = 1
	ethtoolAttrHeaderDevIdx = 1

	ethtoolAttrChannelsRxCount       = 4
	ethtoolAttrChannelsCombinedCount = 6

	ethtoolAttrRingsTCPDataSplit = 10
)

// TCP header/data split as the kernel's ethtool_rings reply encodes it:
// off, auto, on. Only headerSplitOn/headerSplitOff are ever requested by
// this package; headerSplitAuto exists so a read-back can be reported
// faithfully.
type headerSplitMode uint8

const (
	headerSplitOff  headerSplitMode = 0
	headerSplitAuto headerSplitMode = 1
	headerSplitOn   headerSplitMode = 2
)

func (m headerSplitMode) String() string {
	switch m {
	case headerSplitOff:
		return "off"
	case headerSplitAuto:
		return "auto"
	case headerSplitOn:
		return "on"
	default:
		return "?"
	}
}

// rxQueueCount asks the ethtool genl family for the interface's rx_count
// plus combined_count, the same sum rxq_num computes in
// original_source/ncdevmem.c.
func rxQueueCount(ifIndex int) (int, error) {
	s, err := openGenlSession()
	if err != nil {
		return 0, err
	}
	defer s.Close()

	family, err := s.resolveFamily("ethtool")
	if err != nil {
		return 0, err
	}

	header := newNlAttrEncoder()
	header.putU32(ethtoolAttrHeaderDevIdx, uint32(ifIndex))
	req := newNlAttrEncoder()
	req.put(ethtoolAttrHeader, header.bytes())

	reply, err := s.request(family, ethtoolCmdChannelsGet, 1, req.bytes())
	if err != nil {
		return 0, fmt.Errorf("ethtool channels-get: %w", err)
	}
	attrs, err := decodeNlAttrs(reply[sizeofGenlmsghdr:])
	if err != nil {
		return 0, err
	}
	rx := leU32(attrs[ethtoolAttrChannelsRxCount])
	combined := leU32(attrs[ethtoolAttrChannelsCombinedCount])
	return int(rx + combined), nil
}

// setHeaderSplit requests TCP header/data split on or off, then reads the
// value back and confirms the kernel honored it. configure_headersplit in
// original_source/ncdevmem.c does the same get-after-set, logging rather
// than failing the read-back; we promote a mismatch to ErrKernelUnsupported
// since a caller that asked for split-on and silently got split-off would
// otherwise see every subsequent devmem fragment as a flow-steering leak.
func setHeaderSplit(ifIndex int, on bool) error {
	s, err := openGenlSession()
	if err != nil {
		return err
	}
	defer s.Close()

	family, err := s.resolveFamily("ethtool")
	if err != nil {
		return err
	}

	want := headerSplitOff
	if on {
		want = headerSplitOn
	}

	header := newNlAttrEncoder()
	header.putU32(ethtoolAttrHeaderDevIdx, uint32(ifIndex))
	setReq := newNlAttrEncoder()
	setReq.put(ethtoolAttrHeader, header.bytes())
	setReq.putU8(ethtoolAttrRingsTCPDataSplit, uint8(want))
	if _, err := s.request(family, ethtoolCmdRingsSet, 1, setReq.bytes()); err != nil {
		return fmt.Errorf("ethtool rings-set: %w", err)
	}

	getReq := newNlAttrEncoder()
	getReq.put(ethtoolAttrHeader, header.bytes())
	reply, err := s.request(family, ethtoolCmdRingsGet, 1, getReq.bytes())
	if err != nil {
		return fmt.Errorf("ethtool rings-get: %w", err)
	}
	attrs, err := decodeNlAttrs(reply[sizeofGenlmsghdr:])
	if err != nil {
		return err
	}
	got := headerSplitMode(0)
	if v, ok := attrs[ethtoolAttrRingsTCPDataSplit]; ok && len(v) > 0 {
		got = headerSplitMode(v[0])
	}
	if got != want {
		return fmt.Errorf("%w: header split requested %s, kernel reports %s", ErrKernelUnsupported, want, got)
	}
	return nil
}

func leU32(b []byte) uint32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

// EthtoolShell runs the out-of-band ethtool CLI operations that have no
// stable genl ABI to target directly: ntuple toggling, RSS indirection,
// channel counts, and flow-type rules. ifacestat/ifacestat.go already
// shells out to ethtool for counters; this is the same idiom applied to
// configuration rather than statistics. ControlPlane.Shell is an exported
// field, so a caller can substitute another implementation.
type EthtoolShell interface {
	ResetFlowSteering(iface string) error
	ConfigureRSS(iface string, startQueue int) error
	ConfigureChannels(iface string, rx, tx int) error
	InstallFlowRule(iface, flowType, serverAddr string, clientAddr string, clientPort, serverPort, queue int) error
}

// execEthtoolShell is the default EthtoolShell, grounded directly on
// reset_flow_steering/configure_rss/configure_channels/configure_flow_steering
// in original_source/ncdevmem.c.
type execEthtoolShell struct{}

func NewEthtoolShell() EthtoolShell { return execEthtoolShell{} }

// ResetFlowSteering toggles ntuple off then on and deletes any existing
// filters. Exit status is deliberately ignored: some NICs refuse to toggle
// ntuple, and "delete" fails outright when there are no filters to delete.
// original_source/ncdevmem.c makes the same call not to enforce the status.
func (execEthtoolShell) ResetFlowSteering(iface string) error {
	run("ethtool", "-K", iface, "ntuple", "off")
	run("ethtool", "-K", iface, "ntuple", "on")
	out, err := exec.Command("ethtool", "-n", iface).Output()
	if err != nil {
		return nil
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		const marker = "Filter:"
		idx := bytes.Index(line, []byte(marker))
		if idx < 0 {
			continue
		}
		fields := bytes.Fields(line[idx+len(marker):])
		if len(fields) == 0 {
			continue
		}
		run("ethtool", "-N", iface, "delete", string(fields[0]))
	}
	return nil
}

func (execEthtoolShell) ConfigureRSS(iface string, startQueue int) error {
	return run("ethtool", "-X", iface, "equal", fmt.Sprint(startQueue))
}

func (execEthtoolShell) ConfigureChannels(iface string, rx, tx int) error {
	return run("ethtool", "-L", iface, "rx", fmt.Sprint(rx), "tx", fmt.Sprint(tx))
}

// InstallFlowRule tries a 5-tuple rule first, then falls back to a 3-tuple
// rule omitting the client address/port, matching configure_flow_steering's
// "try 5-tuple, fall back to 3-tuple" order in original_source/ncdevmem.c.
func (execEthtoolShell) InstallFlowRule(iface, flowType, serverAddr, clientAddr string, clientPort, serverPort, queue int) error {
	args5 := []string{"-N", iface, "flow-type", flowType}
	if clientAddr != "" {
		args5 = append(args5, "src-ip", clientAddr)
	}
	args5 = append(args5, "dst-ip", serverAddr)
	if clientPort != 0 {
		args5 = append(args5, "src-port", fmt.Sprint(clientPort))
	}
	args5 = append(args5, "dst-port", fmt.Sprint(serverPort), "queue", fmt.Sprint(queue))
	if err := run("ethtool", args5...); err == nil {
		return nil
	}

	args3 := []string{"-N", iface, "flow-type", flowType, "dst-ip", serverAddr,
		"dst-port", fmt.Sprint(serverPort), "queue", fmt.Sprint(queue)}
	if err := run("ethtool", args3...); err != nil {
		return fmt.Errorf("%w: install flow rule on %s: %w", ErrShellOutFailure, iface, err)
	}
	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %v: %w", ErrShellOutFailure, name, args, err)
	}
	return nil
}

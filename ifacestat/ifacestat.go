// Package ifacestat reads physical NIC counters via "ethtool -S", diffs
// them across a run, and cross-checks them against the dma-buf fragment
// byte totals the devmem RX/TX engines tracked independently. The two
// should agree within a small amount of link-layer/retransmit slack;
// Print flags interfaces where they don't, since that gap is the signature
// of a fragment devmem-nc's own accounting silently lost.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets_phy"
	case TxBytes:
		return "tx_bytes_phy"
	case RxPackets:
		return "rx_packets_phy"
	case RxBytes:
		return "rx_bytes_phy"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Snapshot runs ethtool -S on all interfaces and returns a Snapshot.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	out, err := exec.Command("ethtool", "-S", name).Output()
	if err != nil {
		return nil, err
	}

	// convert counters -> lookup table
	want := make(map[string]Counter, len(counters))
	for _, c := range counters {
		want[c.String()] = c
	}

	found := make(IfaceStats, len(counters))

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSuffix(parts[0], ":")
		ctr, ok := want[key]
		if !ok {
			continue
		}

		var v uint64
		if _, err := fmt.Sscan(parts[1], &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		found[ctr] = v
	}

	// ensure all counters exist
	for _, ctr := range counters {
		if _, ok := found[ctr]; !ok {
			found[ctr] = 0
		}
	}

	return found, nil
}

// CrossCheck is one interface's dma-buf-accounted byte totals, as tracked
// by the RX/TX engines independently of anything ethtool reports. Print
// compares this against the physical TxBytes/RxBytes counter it already
// read, since the two sources ought to agree: a real gap here means bytes
// left (or arrived at) the NIC that the devmem fragment accounting never
// saw, which is exactly the kind of silent accounting bug devmem-nc exists
// to surface.
type CrossCheck struct {
	DevmemSent     uint64
	DevmemReceived uint64
}

// driftOK bounds how far the physical and dma-buf byte counts may diverge
// before Print flags it. Some slack is expected — ethtool's phy counters
// include retransmits and link-layer framing the dma-buf accounting never
// sees — but a gap wider than this is a sign fragments were lost, not a
// framing artifact.
const driftOK = 1500 // one MTU's worth

// Print renders each interface's physical counters, and — when checks
// names that interface — the devmem-nc byte totals alongside it plus the
// drift between the two.
func Print(w io.Writer, s Stats, aliases map[string]string, checks map[string]CrossCheck) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s :\n", iface)
		}

		fmt.Fprintf(w, "  TX phy   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX phy   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)

		check, ok := checks[iface]
		if !ok {
			continue
		}

		fmt.Fprintf(w, "  TX devmem              ≈ %-8s (%s)\n",
			humanize.Bytes(check.DevmemSent), humanize.Comma(int64(check.DevmemSent)),
		)
		fmt.Fprintf(w, "  RX devmem              ≈ %-8s (%s)\n",
			humanize.Bytes(check.DevmemReceived), humanize.Comma(int64(check.DevmemReceived)),
		)

		if drift := absDiff(txBytes, check.DevmemSent); drift > driftOK {
			fmt.Fprintf(w, "  TX drift %s exceeds %s, fragments may have been lost\n",
				humanize.Comma(int64(drift)), humanize.Comma(driftOK))
		}
		if drift := absDiff(rxBytes, check.DevmemReceived); drift > driftOK {
			fmt.Fprintf(w, "  RX drift %s exceeds %s, fragments may have been lost\n",
				humanize.Comma(int64(drift)), humanize.Comma(driftOK))
		}
	}

	return nil
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

//go:build linux

// Command devmem-nc is a netcat-like diagnostic endpoint for device-memory
// TCP: it exercises the kernel's dma-buf receive/transmit fast path over an
// ordinary TCP connection, interoperating with a classic netcat peer on
// either direction.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/devmem-nc/devmem"
	"github.com/romshark/devmem-nc/ifacestat"
)

func main() {
	cfg, report := run()
	fatalIf(report.err, "devmem-nc")
	printReport(cfg, report)
}

type runResult struct {
	devmem.Report
	err       error
	ifaceDiff *ifacestat.Stats
}

func run() (devmem.Config, runResult) {
	cfg, configPath := parseFlags()

	if configPath != "" {
		if err := applyYAMLDefaults(&cfg, configPath); err != nil {
			return cfg, runResult{err: err}
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 5201
	}

	before, err := ifacestat.Snapshot([]string{cfg.Iface},
		ifacestat.TxPackets, ifacestat.TxBytes, ifacestat.RxPackets, ifacestat.RxBytes)
	if err != nil {
		before = nil
	}

	report, err := devmem.Run(cfg, devmem.NewUdmabufProvider())
	result := runResult{Report: report, err: err}

	if before != nil {
		if after, err := ifacestat.Snapshot([]string{cfg.Iface},
			ifacestat.TxPackets, ifacestat.TxBytes, ifacestat.RxPackets, ifacestat.RxBytes); err == nil {
			diff := after.Since(before)
			result.ifaceDiff = &diff
		}
	}

	return cfg, result
}

func parseFlags() (devmem.Config, string) {
	fListen := flag.Bool("l", false, "run as listener (RX)")
	fPeer := flag.String("s", "", "peer address (sender) or local bind address (listener)")
	fClient := flag.String("c", "", "client-side address for the 5-tuple flow rule / local bind on sender")
	fPort := flag.Int("p", 0, "TCP port (default 5201)")
	fIface := flag.String("f", "", "interface name")
	fNumQueues := flag.Int("q", 0, "number of RX queues to bind (0 = default selection)")
	fStartQueue := flag.Int("t", -1, "first RX queue index (-1 = default selection)")
	fModulus := flag.Int("v", 0, "enable validation with modulus M (0 = disabled)")
	fMaxChunk := flag.Int("z", 0, "TX max chunk size in bytes (0 = unchunked)")
	fPace := flag.Uint64("r", 0, "TX pacing rate in segments per second (0 = unthrottled)")
	fConfig := flag.String("config", "", "optional YAML file supplying defaults for unset fields")

	flag.Parse()

	return devmem.Config{
		Listen:     *fListen,
		PeerAddr:   *fPeer,
		ClientAddr: *fClient,
		Port:       *fPort,
		Iface:      *fIface,
		NumQueues:  *fNumQueues,
		StartQueue: *fStartQueue,
		Modulus:    *fModulus,
		MaxChunk:   *fMaxChunk,
		PacePPS:    *fPace,
	}, *fConfig
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", err)
		os.Exit(1)
	}
}

func printReport(cfg devmem.Config, r runResult) {
	p := message.NewPrinter(language.English)
	if r.RX != nil {
		p.Print("\nRX REPORT\n")
		p.Printf(" Total received:        %d bytes\n", r.RX.TotalReceived)
		p.Printf(" Page-aligned frags:    %d\n", r.RX.PageAlignedFrags)
		p.Printf(" Non-page-aligned:      %d\n", r.RX.NonPageAlignedFrags)
		p.Printf(" Linear frags:          %d\n", r.RX.LinearFrags)
		p.Printf(" Validation mismatches: %d\n", r.RX.Mismatches)
	}
	if r.TX != nil {
		p.Print("\nTX REPORT\n")
		p.Printf(" Total sent: %d bytes\n", r.TX.TotalSent)
	}
	if r.ifaceDiff != nil {
		p.Print("\nNIC COUNTERS\n")
		checks := map[string]ifacestat.CrossCheck{}
		if r.RX != nil || r.TX != nil {
			check := ifacestat.CrossCheck{}
			if r.RX != nil {
				check.DevmemReceived = r.RX.TotalReceived
			}
			if r.TX != nil {
				check.DevmemSent = r.TX.TotalSent
			}
			checks[cfg.Iface] = check
		}
		ifacestat.Print(os.Stdout, *r.ifaceDiff, nil, checks)
	}
}

//go:build linux

package devmem

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
)

// Config is the single explicit configuration record threaded through the
// orchestrator and both engines, per spec.md §9's "configuration is an
// explicit record, not scattered globals" decision. Field names mirror the
// CLI flags in cmd/devmem-nc.
type Config struct {
	Listen     bool
	PeerAddr   string   // -s on sender, local bind address on listener
	ClientAddr string   // -c
	Port       int      // -p
	Iface      string   // -f
	NumQueues  int      // -q, 0 = default selection
	StartQueue int      // -t, -1 = default selection
	Modulus    int      // -v, 0 = validation disabled
	MaxChunk   int      // -z
	LineSize   int
	PacePPS    uint64
	BufferSize int
}

// Report is what Run returns for cmd/devmem-nc to print.
type Report struct {
	RX *RXReport
	TX *TXReport
}

// Run dispatches to the receive engine, the transmit engine, or the
// self-test sequence, exactly as spec.md §4.5 describes: listener when
// cfg.Listen, sender when cfg.PeerAddr is set, self-test otherwise.
func Run(cfg Config, provider BufferProvider) (Report, error) {
	if cfg.LineSize == 0 {
		cfg.LineSize = 64 * 1024
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1 << 20
	}

	if !cfg.Listen && cfg.PeerAddr == "" {
		return Report{}, selfTest(cfg, provider)
	}

	buf, err := provider.Allocate(cfg.BufferSize)
	if err != nil {
		return Report{}, err
	}
	defer buf.Close()

	if cfg.Listen {
		start, n, err := resolveQueues(cfg, false)
		if err != nil {
			return Report{}, err
		}
		var validator *Validator
		if cfg.Modulus > 0 {
			validator = NewValidator(byte(cfg.Modulus))
		}
		rxCfg := RXConfig{
			ListenAddr: net.JoinHostPort(orDefault(cfg.PeerAddr, "::"), fmt.Sprint(cfg.Port)),
			Iface:      cfg.Iface,
			StartQueue: start,
			NumQueues:  n,
			ClientAddr: cfg.ClientAddr,
			ClientPort: cfg.Port,
			Validator:  validator,
		}
		report, err := Serve(rxCfg, buf)
		return Report{RX: &report}, err
	}

	var source Source
	if cfg.Modulus > 0 {
		source = &validatorSource{v: NewValidator(byte(cfg.Modulus)), lineSize: cfg.LineSize}
	} else {
		source = &stdinSource{}
	}
	txCfg := TXConfig{
		PeerAddr:  net.JoinHostPort(cfg.PeerAddr, fmt.Sprint(cfg.Port)),
		LocalAddr: localAddr(cfg),
		Iface:     cfg.Iface,
		LineSize:  cfg.LineSize,
		MaxChunk:  cfg.MaxChunk,
		PacePPS:   cfg.PacePPS,
	}
	report, err := Send(txCfg, buf, source)
	return Report{TX: &report}, err
}

func localAddr(cfg Config) string {
	if cfg.ClientAddr == "" {
		return ""
	}
	return net.JoinHostPort(cfg.ClientAddr, fmt.Sprint(cfg.Port))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// resolveQueues implements the default queue selection spec.md §6
// describes: when both -q and -t are omitted, RX uses the top 1 queue
// (start = total-1); self-test uses the upper half (start = total/2,
// n = total/2, requiring at least 2 queues).
func resolveQueues(cfg Config, selfTest bool) (start, n int, err error) {
	if cfg.NumQueues > 0 && cfg.StartQueue >= 0 {
		return cfg.StartQueue, cfg.NumQueues, nil
	}
	cp, err := NewControlPlane(cfg.Iface)
	if err != nil {
		return 0, 0, err
	}
	total, err := cp.RXQueueCount()
	if err != nil {
		return 0, 0, err
	}
	if selfTest {
		if total < 2 {
			return 0, 0, fmt.Errorf("%w: self-test requires at least 2 rx queues, interface has %d", ErrConfiguration, total)
		}
		return total / 2, total / 2, nil
	}
	if total < 1 {
		return 0, 0, fmt.Errorf("%w: interface reports %d rx queues", ErrConfiguration, total)
	}
	return total - 1, 1, nil
}

// validatorSource generates the repeating 0..modulus-1 byte sequence for
// the TX side, continuing the sequence across calls by cumulative offset.
type validatorSource struct {
	v        *Validator
	lineSize int
	offset   uint64
}

func (s *validatorSource) Next(p []byte) (int, error) {
	n := s.lineSize
	if n > len(p) {
		n = len(p)
	}
	s.v.Fill(p[:n], s.offset)
	s.offset += uint64(n)
	return n, nil
}

// stdinSource reads line-delimited payloads from standard input, the
// non-validation Source spec.md §4.4 names as the alternative to a
// validator-generated buffer.
type stdinSource struct {
	r       *bufio.Reader
	started bool
}

func (s *stdinSource) Next(p []byte) (int, error) {
	if !s.started {
		s.r = bufio.NewReader(os.Stdin)
		s.started = true
	}
	line, err := s.r.ReadSlice('\n')
	if err != nil && err != bufio.ErrBufferFull && len(line) == 0 {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, err
	}
	n := copy(p, line)
	return n, nil
}

// selfTest runs the six-assertion sequence spec.md §4.5 and
// run_devmem_tests in original_source/ncdevmem.c both specify: configure
// RSS and header split must succeed; binding zero queues must fail;
// binding with split off must fail; binding with split on must succeed;
// shrinking channels below the bound queue must fail; destroying the
// handle must succeed.
func selfTest(cfg Config, provider BufferProvider) error {
	buf, err := provider.Allocate(cfg.BufferSize)
	if err != nil {
		return err
	}
	defer buf.Close()

	cp, err := NewControlPlane(cfg.Iface)
	if err != nil {
		return err
	}

	start, n, err := resolveQueues(cfg, true)
	if err != nil {
		return err
	}

	// 1. configure_rss and set_header_split(on) must succeed.
	if err := cp.Shell.ConfigureRSS(cp.Iface, start); err != nil {
		return fmt.Errorf("self-test: configure_rss: %w", err)
	}
	if err := cp.SetHeaderSplit(true); err != nil {
		return fmt.Errorf("self-test: header split on: %w", err)
	}

	// 2. binding a zero-queue empty list must fail.
	if h, err := cp.BindRX(buf.Fd(), start, 0); err == nil {
		h.Close()
		return fmt.Errorf("self-test: binding empty queue list unexpectedly succeeded")
	}

	// 3. binding any queue while header split is off must fail.
	if err := cp.SetHeaderSplit(false); err != nil {
		return fmt.Errorf("self-test: header split off: %w", err)
	}
	if h, err := cp.BindRX(buf.Fd(), start, n); err == nil {
		h.Close()
		return fmt.Errorf("self-test: binding with header split off unexpectedly succeeded")
	}

	// 4. re-enabling split, binding must succeed and yield a handle.
	if err := cp.SetHeaderSplit(true); err != nil {
		return fmt.Errorf("self-test: header split on (retry): %w", err)
	}
	handle, err := cp.BindRX(buf.Fd(), start, n)
	if err != nil {
		return fmt.Errorf("self-test: bind unexpectedly failed: %w", err)
	}

	// 5. shrinking channels below the bound queue must fail while the
	// handle is alive: the bound range's top index is start+n-1, which is
	// ≥ n whenever start > 0 (true for the default selection, where
	// start = total/2 ≥ 1).
	if err := cp.ConfigureChannels(n, n-1); err == nil {
		handle.Close()
		return fmt.Errorf("self-test: deactivating a bound queue unexpectedly succeeded")
	}

	// 6. destroying the handle must succeed and implicitly unbind.
	if err := handle.Close(); err != nil {
		return fmt.Errorf("self-test: close binding handle: %w", err)
	}

	return nil
}

//go:build linux

package devmem

import (
	"fmt"
	"net"
	"time"
)

// ControlPlane composes the genl transport, the ethtool-family ops, and
// the netdev-family ops into the exact sequence do_server/do_client run
// in original_source/ncdevmem.c before a socket is ever opened.
type ControlPlane struct {
	Iface   string
	ifIndex int
	Shell   EthtoolShell
}

// NewControlPlane resolves iface to an ifindex and wires the default
// (os/exec-backed) EthtoolShell.
func NewControlPlane(iface string) (*ControlPlane, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: lookup interface %q: %w", ErrConfiguration, iface, err)
	}
	return &ControlPlane{Iface: iface, ifIndex: ifi.Index, Shell: NewEthtoolShell()}, nil
}

// RXQueueCount returns rx_count + combined_count for the interface.
func (c *ControlPlane) RXQueueCount() (int, error) {
	return rxQueueCount(c.ifIndex)
}

// SetHeaderSplit requests TCP header/data split and confirms the read-back.
func (c *ControlPlane) SetHeaderSplit(on bool) error {
	return setHeaderSplit(c.ifIndex, on)
}

// PrepareRX runs the full pre-bind sequence do_server follows: reset flow
// steering, enable header split, pin RSS to the devmem queue range, install
// a flow rule steering the server's 5-/3-tuple there, then settle for one
// second exactly as original_source/ncdevmem.c's do_server does between
// configure_flow_steering and bind_rx_queue (the sleep absorbs the
// driver's own asynchronous queue reconfiguration).
func (c *ControlPlane) PrepareRX(startQueue int, serverAddr, clientAddr string, clientPort, serverPort int) error {
	if err := c.Shell.ResetFlowSteering(c.Iface); err != nil {
		return err
	}
	if err := c.SetHeaderSplit(true); err != nil {
		return err
	}
	if err := c.Shell.ConfigureRSS(c.Iface, startQueue); err != nil {
		return err
	}
	flowType := "tcp6"
	if ip := net.ParseIP(serverAddr); ip != nil && ip.To4() != nil {
		flowType = "tcp4"
	}
	if err := c.Shell.InstallFlowRule(c.Iface, flowType, serverAddr, clientAddr, clientPort, serverPort, startQueue); err != nil {
		return err
	}
	time.Sleep(time.Second)
	return nil
}

// BindRX binds dmabufFd to n consecutive RX queues starting at start.
func (c *ControlPlane) BindRX(dmabufFd, start, n int) (*BindingHandle, error) {
	return BindRX(c.ifIndex, dmabufFd, DefaultQueues(start, n))
}

// BindTX binds dmabufFd for zero-copy transmit on the whole device.
func (c *ControlPlane) BindTX(dmabufFd int) (*BindingHandle, error) {
	return BindTX(c.ifIndex, dmabufFd)
}

// ConfigureChannels sets the channel counts directly (used by the
// self-test's "deactivating a bound queue must fail" assertion).
func (c *ControlPlane) ConfigureChannels(rx, tx int) error {
	return c.Shell.ConfigureChannels(c.Iface, rx, tx)
}

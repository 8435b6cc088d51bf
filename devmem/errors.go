package devmem

import "errors"

// Error kinds named by the fatal/soft taxonomy the control and data planes
// use throughout this package. Callers should use errors.Is against these
// sentinels rather than inspecting message text.
var (
	// ErrConfiguration covers bad arguments, a missing interface, or
	// inconsistent queue selection. Always fatal. Most are raised before
	// any I/O starts; the TX segment cap and the device-buffer range checks
	// are raised from inside the send and receive loops.
	ErrConfiguration = errors.New("devmem: configuration error")

	// ErrKernelUnsupported covers a bind response with no id field, or a
	// header-split read-back that disagrees with what was requested.
	ErrKernelUnsupported = errors.New("devmem: kernel feature unsupported")

	// ErrFlowSteeringLeak covers a fragment whose dmabuf_id does not match
	// the active binding, or a non-devmem message arriving on a socket
	// where devmem delivery was requested. Always fatal: the data
	// integrity contract has been broken.
	ErrFlowSteeringLeak = errors.New("devmem: flow steering leak")

	// ErrTransientIO covers EAGAIN/EWOULDBLOCK and other soft recvmsg
	// errors, which the RX loop logs and retries. It also wraps failed
	// netlink send/receive, sendmsg, poll, token release, and a zerocopy
	// completion carrying an errno; those are returned to the caller and
	// end the run.
	ErrTransientIO = errors.New("devmem: transient I/O error")

	// ErrCompletionTimeout covers a TX zero-copy completion that did not
	// arrive within the configured deadline.
	ErrCompletionTimeout = errors.New("devmem: completion timeout")

	// ErrValidationFailure covers a byte mismatch in validation mode, once
	// the mismatch count exceeds the configured threshold.
	ErrValidationFailure = errors.New("devmem: validation failure")

	// ErrShellOutFailure covers a non-zero exit from the external ethtool
	// utility. ResetFlowSteering discards these, since NIC driver behavior
	// around ntuple/flow-steering varies; a failure from ConfigureRSS,
	// ConfigureChannels or InstallFlowRule (after its 3-tuple fallback) is
	// returned to the caller.
	ErrShellOutFailure = errors.New("devmem: ethtool shell-out failed")
)

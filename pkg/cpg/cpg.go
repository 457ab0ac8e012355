package cpg

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTryAgain reports a transient condition; the caller should retry.
	ErrTryAgain = errors.New("cpg: try again")
	// ErrBadHandle is returned for a handle the transport does not know.
	ErrBadHandle = errors.New("cpg: bad handle")
	// ErrNotJoined is returned when sending on a handle with no joined channel.
	ErrNotJoined = errors.New("cpg: not joined")
)

// Handle identifies one transport instance.
type Handle uint64

// Reason says why a node left a channel.
type Reason uint8

const (
	ReasonJoin Reason = iota + 1
	ReasonLeave
	ReasonNodeDown
	ReasonNodeUp
	ReasonProcDown
)

func (r Reason) String() string {
	switch r {
	case ReasonJoin:
		return "join"
	case ReasonLeave:
		return "leave"
	case ReasonNodeDown:
		return "nodedown"
	case ReasonNodeUp:
		return "nodeup"
	case ReasonProcDown:
		return "procdown"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Address is one entry of a configuration change list.
type Address struct {
	NodeID uint32
	PID    uint32
	Reason Reason
}

// ConfigurationType mirrors the transport's ring configuration kind.
type ConfigurationType uint8

const (
	ConfigurationRegular ConfigurationType = iota
	ConfigurationTransitional
)

// Confchg is a delivered configuration change for one channel.
type Confchg struct {
	Handle  Handle
	Channel string
	Type    ConfigurationType
	Members []Address
	Left    []Address
	Joined  []Address
	RingSeq uint64
}

// Callbacks are invoked synchronously from Dispatch.
type Callbacks struct {
	Deliver func(h Handle, channel string, nodeID, pid uint32, data []byte)
	Confchg func(c Confchg)
}

// CallbackKind says which callback a Dispatch call fired.
type CallbackKind uint8

const (
	CallbackNone CallbackKind = iota
	CallbackDeliver
	CallbackConfchg
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackDeliver:
		return "deliver"
	case CallbackConfchg:
		return "confchg"
	default:
		return "none"
	}
}

// FlowControl is the transport's send-side congestion state.
type FlowControl uint8

const (
	FlowControlDisabled FlowControl = iota
	FlowControlEnabled
)

func (f FlowControl) String() string {
	if f == FlowControlEnabled {
		return "enabled"
	}
	return "disabled"
}

// Transport is the consumed group communication service.
type Transport interface {
	Initialize(cb Callbacks) (Handle, error)
	Finalize(h Handle) error
	Join(ctx context.Context, h Handle, channel string) error
	Leave(ctx context.Context, h Handle, channel string) error
	// Mcast sends the concatenation of bufs to the joined channel in agreed order.
	Mcast(ctx context.Context, h Handle, bufs ...[]byte) error
	// Dispatch runs at most one pending event for h.
	Dispatch(h Handle) (CallbackKind, error)
	FlowControlState(h Handle) (FlowControl, error)
	// Ready yields handles that have pending events, once per queued event.
	Ready() <-chan Handle
}

// IsTryAgain reports whether err is a transient transport condition.
func IsTryAgain(err error) bool {
	return errors.Is(err, ErrTryAgain)
}

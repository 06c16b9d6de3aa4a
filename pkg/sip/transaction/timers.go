// Package transaction implements the RFC 3261 §17.1 client transaction
// state machines (INVITE and non-INVITE), their timers, and the table
// that matches inbound responses to live transactions.
package transaction

import "time"

// Timers carries the RFC 3261 base timer durations. Tests shrink these
// to keep scenario runs fast; production uses DefaultTimers.
type Timers struct {
	T1 time.Duration // RTT estimate, initial retransmit interval
	T2 time.Duration // retransmit interval cap
	T4 time.Duration // maximum message lifetime in the network
	D  time.Duration // wait for INVITE final-response retransmissions
}

// DefaultTimers returns the RFC 3261 values for UDP: T1=500ms, T2=4s,
// T4=5s, Timer D=32s.
func DefaultTimers() Timers {
	return Timers{
		T1: 500 * time.Millisecond,
		T2: 4 * time.Second,
		T4: 5 * time.Second,
		D:  32 * time.Second,
	}
}

// B is the INVITE transaction timeout, 64·T1.
func (t Timers) B() time.Duration { return 64 * t.T1 }

// F is the non-INVITE transaction timeout, 64·T1.
func (t Timers) F() time.Duration { return 64 * t.T1 }

// K is the non-INVITE completed-state linger: T4 on datagram
// transports, zero on reliable ones.
func (t Timers) K(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return t.T4
}

// DForTransport is the INVITE completed-state linger: Timer D on
// datagram transports, zero on reliable ones.
func (t Timers) DForTransport(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return t.D
}

package intercept

import (
	"fmt"
	"strings"
)

// Kind is the direction of a completed operation.
type Kind int

const (
	KindSend    Kind = iota + 1 // Bytes written by the local process
	KindReceive                 // Bytes read by the local process
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Incoming reports whether the kind carries data received from the peer.
func (k Kind) Incoming() bool {
	return k == KindReceive
}

// ParseKind accepts "send"/"write" and "receive"/"recv"/"read".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send", "write":
		return KindSend, nil
	case "receive", "recv", "read":
		return KindReceive, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

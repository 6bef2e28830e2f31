package intercept

import "github.com/mbeema/streamtap/pkg/transport"

// Record is one normalized capture, tagged with its connection. The Buffer is
// borrowed from the intercepted call and must be copied by anyone keeping it.
type Record struct {
	Conn      transport.ConnID
	Direction Kind
	Buffer    []byte
	Offset    int
	Length    int
}

// NewRecord attaches a connection identity to a payload.
func NewRecord(conn transport.ConnID, p *Payload) Record {
	return Record{
		Conn:      conn,
		Direction: p.Direction,
		Buffer:    p.Buffer,
		Offset:    p.Offset,
		Length:    p.Length,
	}
}

// Bytes returns the captured range.
func (r Record) Bytes() []byte {
	return r.Buffer[r.Offset : r.Offset+r.Length]
}

// Incoming reports whether the bytes were received from the peer.
func (r Record) Incoming() bool {
	return r.Direction.Incoming()
}

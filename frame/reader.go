// Package frame implements the incremental MQTT frame reader: a buffered
// decoder that turns an arbitrary stream of TCP reads into complete
// control packets, one at a time, without ever rewinding past bytes the
// caller has not yet supplied.
package frame

import (
	"bytes"
	"errors"
	"io"

	"github.com/axmq/ax/encoding"
)

// ErrIncomplete signals that the buffer does not yet contain a full frame.
// It is not a protocol error: the caller should read more bytes from the
// socket and call TryParse again. Reader.TryParse guarantees the buffer
// position is untouched when it returns ErrIncomplete.
var ErrIncomplete = errors.New("frame: incomplete, need more bytes")

// ErrConnectionReset indicates the peer closed the connection with a
// partially buffered frame still pending.
var ErrConnectionReset = errors.New("frame: connection reset with partial frame buffered")

// Frame is one fully decoded MQTT control packet: the fixed header plus
// its typed payload. Frame is immutable once constructed.
type Frame struct {
	Header encoding.FixedHeader
	Packet any
}

// Reader incrementally accumulates bytes and yields one Frame at a time.
// It owns a single growing byte buffer; a successful TryParse advances
// past the consumed frame, an ErrIncomplete result leaves the buffer and
// its read position untouched so the caller can append more bytes and
// retry without any bookkeeping of its own.
type Reader struct {
	buf []byte
}

// NewReader creates an empty incremental frame reader.
func NewReader() *Reader {
	return &Reader{buf: make([]byte, 0, 4096)}
}

// Feed appends newly read bytes to the internal buffer.
func (r *Reader) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Buffered reports how many bytes are currently held, unparsed.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// TryParse attempts to decode one frame starting at the front of the
// buffer. On ErrIncomplete, the buffer is left exactly as it was: no
// bytes are consumed and no allocation beyond the header probe occurs.
// On success, the consumed bytes are dropped from the front of the
// buffer and the decoded Frame is returned.
func (r *Reader) TryParse() (*Frame, error) {
	fh, headerLen, err := encoding.ParseFixedHeaderFromBytes(r.buf)
	if err != nil {
		if errors.Is(err, encoding.ErrUnexpectedEOF) {
			return nil, ErrIncomplete
		}
		return nil, err
	}

	total := headerLen + int(fh.RemainingLength)
	if len(r.buf) < total {
		return nil, ErrIncomplete
	}

	body := r.buf[headerLen:total]
	pkt, err := decodeBody(fh, body)
	if err != nil {
		return nil, err
	}

	// Advance past the consumed frame. Reslicing (rather than copying)
	// keeps this allocation-free; the backing array is reused until it
	// needs to grow again in Feed.
	r.buf = r.buf[total:]

	return &Frame{Header: *fh, Packet: pkt}, nil
}

// decodeBody dispatches to the per-packet-type decoder now that the full
// body is known to be present in memory.
func decodeBody(fh *encoding.FixedHeader, body []byte) (any, error) {
	br := bytes.NewReader(body)

	switch fh.Type {
	case encoding.CONNECT:
		return encoding.ParseConnectPacket(br, fh)
	case encoding.CONNACK:
		return encoding.ParseConnackPacket(br, fh)
	case encoding.PUBLISH:
		return encoding.ParsePublishPacket(br, fh)
	case encoding.PUBACK:
		return encoding.ParsePubackPacket(br, fh)
	case encoding.PUBREC:
		return encoding.ParsePubrecPacket(br, fh)
	case encoding.PUBREL:
		return encoding.ParsePubrelPacket(br, fh)
	case encoding.PUBCOMP:
		return encoding.ParsePubcompPacket(br, fh)
	case encoding.SUBSCRIBE:
		return encoding.ParseSubscribePacket(br, fh)
	case encoding.SUBACK:
		return encoding.ParseSubackPacket(br, fh)
	case encoding.UNSUBSCRIBE:
		return encoding.ParseUnsubscribePacket(br, fh)
	case encoding.UNSUBACK:
		return encoding.ParseUnsubackPacket(br, fh)
	case encoding.PINGREQ:
		return encoding.ParsePingreqPacket(fh)
	case encoding.PINGRESP:
		return encoding.ParsePingrespPacket(fh)
	case encoding.DISCONNECT:
		return encoding.ParseDisconnectPacket(br, fh)
	case encoding.AUTH:
		return encoding.ParseAuthPacket(br, fh)
	default:
		return nil, encoding.ErrInvalidType
	}
}

// OnPeerClose translates a read-side EOF into the reader's close
// semantics: a clean io.EOF with nothing buffered is a graceful close, an
// EOF with a partial frame still pending is a connection reset.
func (r *Reader) OnPeerClose(readErr error) error {
	if !errors.Is(readErr, io.EOF) {
		return readErr
	}
	if r.Buffered() > 0 {
		return ErrConnectionReset
	}
	return io.EOF
}

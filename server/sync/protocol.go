package sync

import (
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

// messageType identifies the message carried by a stream. Every stream
// begins with a message type byte and a protocol version byte.
type messageType uint8

const (
	messageTypeHandshake messageType = iota + 1
	messageTypeFullSyncRequest
	messageTypeFullSyncResponse
	messageTypeFlood
	messageTypeDigest
)

func (t messageType) String() string {
	switch t {
	case messageTypeHandshake:
		return "handshake"
	case messageTypeFullSyncRequest:
		return "full_sync_request"
	case messageTypeFullSyncResponse:
		return "full_sync_response"
	case messageTypeFlood:
		return "flood"
	case messageTypeDigest:
		return "digest"
	default:
		return "unknown"
	}
}

const supportedVersion uint8 = 0

// handshakeHeader is exchanged once per connection before any other message.
type handshakeHeader struct {
	NodeID string   `codec:"node_id"`
	Areas  []string `codec:"areas"`
}

// fullSyncRequest asks the peer for its full key dump for an area.
type fullSyncRequest struct {
	Area   string `codec:"area"`
	Prefix string `codec:"prefix"`
}

// fullSyncResponse precedes the requested entries.
type fullSyncResponse struct {
	Area    string `codec:"area"`
	Entries int    `codec:"entries"`
}

// floodHeader precedes a batch of incrementally pushed entries. Entries
// within the batch are unordered.
type floodHeader struct {
	Area    string `codec:"area"`
	Entries int    `codec:"entries"`
}

// digestHeader carries the aggregate hash of all keys in an area, used as a
// periodic consistency probe.
type digestHeader struct {
	Area    string `codec:"area"`
	Digest  uint64 `codec:"digest"`
	Request bool   `codec:"request"`
}

type encoder struct {
	encoder *codec.Encoder
}

func newEncoder(w io.Writer) *encoder {
	var handle codec.MsgpackHandle
	return &encoder{
		encoder: codec.NewEncoder(w, &handle),
	}
}

func (e *encoder) Encode(v interface{}) error {
	return e.encoder.Encode(v)
}

type decoder struct {
	decoder *codec.Decoder
}

func newDecoder(r io.Reader) *decoder {
	var handle codec.MsgpackHandle
	return &decoder{
		decoder: codec.NewDecoder(r, &handle),
	}
}

func (d *decoder) Decode(v interface{}) error {
	return d.decoder.Decode(v)
}

func writeMessageType(w io.Writer, t messageType) error {
	if _, err := w.Write([]byte{uint8(t), supportedVersion}); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func readMessageType(r io.Reader) (messageType, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if b[1] != supportedVersion {
		return 0, fmt.Errorf("unsupported version: %d", b[1])
	}
	return messageType(b[0]), nil
}

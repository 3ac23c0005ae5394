// Package wire implements the inter-node frame codec for the cluster
// transport (§4.8/§6 of the broker spec): a type byte followed by a
// variable-byte-integer length and a CBOR-encoded body. The length uses the
// same varint scheme as the broker's client-facing codec, implemented here
// by this package's own encodeVarInt/decodeVarInt.
package wire

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// FrameType identifies the logical inter-node message carried by a Frame.
type FrameType byte

const (
	// FrameReserved is never valid on the wire.
	FrameReserved FrameType = 0
	// FrameSubscriptionAdd carries a ClusterSubscriptionAdd.
	FrameSubscriptionAdd FrameType = 1
	// FrameSubscriptionDelete carries a ClusterSubscriptionDelete.
	FrameSubscriptionDelete FrameType = 2
	// FrameClientAttached carries a ClientAttached.
	FrameClientAttached FrameType = 3
	// FrameClientDetached carries a ClientDetached.
	FrameClientDetached FrameType = 4
	// FrameRemotePublish carries a RemotePublish envelope.
	FrameRemotePublish FrameType = 5
	// FrameSessionTakeover carries a SessionTakeover.
	FrameSessionTakeover FrameType = 6
	// FrameHeartbeat carries no body; used for link liveness.
	FrameHeartbeat FrameType = 7
)

func (t FrameType) String() string {
	switch t {
	case FrameSubscriptionAdd:
		return "SUBSCRIPTION_ADD"
	case FrameSubscriptionDelete:
		return "SUBSCRIPTION_DELETE"
	case FrameClientAttached:
		return "CLIENT_ATTACHED"
	case FrameClientDetached:
		return "CLIENT_DETACHED"
	case FrameRemotePublish:
		return "REMOTE_PUBLISH"
	case FrameSessionTakeover:
		return "SESSION_TAKEOVER"
	case FrameHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Frame is one inter-node message: a type tag plus an opaque CBOR body.
type Frame struct {
	Type FrameType
	Body []byte
}

// Encode marshals v with CBOR and wraps it in a Frame of the given type.
func Encode(t FrameType, v any) (Frame, error) {
	if v == nil {
		return Frame{Type: t}, nil
	}
	body, err := cbor.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Body: body}, nil
}

// Decode unmarshals the frame body into v.
func Decode(f Frame, v any) error {
	if len(f.Body) == 0 {
		return nil
	}
	return cbor.Unmarshal(f.Body, v)
}

// WriteFrame writes a length-prefixed frame: 1 type byte, a variable byte
// integer length, then the body.
func WriteFrame(w io.Writer, f Frame) error {
	lenBytes, err := encodeVarInt(uint32(len(f.Body)))
	if err != nil {
		return err
	}

	header := make([]byte, 0, 1+len(lenBytes))
	header = append(header, byte(f.Type))
	header = append(header, lenBytes...)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Body) == 0 {
		return nil
	}
	_, err = w.Write(f.Body)
	return err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var typeByte [1]byte
	if _, err := io.ReadFull(r, typeByte[:]); err != nil {
		if err == io.EOF {
			return Frame{}, ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	ft := FrameType(typeByte[0])
	if ft == FrameReserved || ft > FrameHeartbeat {
		return Frame{}, ErrInvalidType
	}

	length, err := decodeVarInt(r)
	if err != nil {
		return Frame{}, err
	}

	if length == 0 {
		return Frame{Type: ft}, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	return Frame{Type: ft, Body: body}, nil
}

// decodeVarInt decodes an MQTT-style variable byte integer from a reader:
// up to 4 bytes, 7 data bits each, continuation bit in the high bit.
func decodeVarInt(r io.Reader) (uint32, error) {
	var value uint32
	var multiplier uint32 = 1
	var buf [1]byte

	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if err == io.EOF {
				return 0, ErrUnexpectedEOF
			}
			return 0, err
		}

		encodedByte := buf[0]
		value += uint32(encodedByte&0x7F) * multiplier

		if encodedByte&0x80 == 0 {
			return value, nil
		}

		if multiplier > 128*128*128 {
			return 0, ErrMalformedLength
		}
		multiplier *= 128
	}

	return 0, ErrMalformedLength
}

// encodeVarInt is the inverse of decodeVarInt.
func encodeVarInt(value uint32) ([]byte, error) {
	if value > 268435455 {
		return nil, ErrMalformedLength
	}

	result := make([]byte, 0, 4)
	for {
		encodedByte := byte(value % 128)
		value /= 128
		if value > 0 {
			encodedByte |= 0x80
		}
		result = append(result, encodedByte)
		if value == 0 {
			break
		}
	}
	return result, nil
}

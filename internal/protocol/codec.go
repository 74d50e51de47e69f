package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dmitrijs2005/chatrelay/internal/common"
)

// Frame limits. The server accepts larger inbound frames than the client so
// that inline image payloads fit; a client never receives more than 1 MiB in
// a single response.
const (
	MaxClientFrame = 1 << 20
	MaxServerFrame = 10 << 20
)

// Encode marshals p and writes it as one frame: a 4-byte big-endian length
// prefix followed by the JSON encoding. The frame is written with a single
// Write call so concurrent encoders guarded by a mutex never interleave.
func Encode(w io.Writer, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Kind(), err)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decode reads exactly one frame from r and unmarshals it into the concrete
// payload selected by the "type" field.
//
// Error contract: a malformed or unknown payload yields an error matching
// common.ErrMalformedPayload; the stream itself stays aligned on the next
// frame and the caller should drop the payload and keep reading. A frame
// longer than maxFrame yields common.ErrFrameTooLarge, which is fatal to the
// stream, as is any I/O error.
func Decode(r io.Reader, maxFrame uint32) (Payload, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", common.ErrFrameTooLarge, n, maxFrame)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", common.ErrMalformedPayload)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return Unmarshal(buf)
}

// Unmarshal decodes one frame body into its concrete payload type.
func Unmarshal(data []byte) (Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMalformedPayload, err)
	}

	var p Payload
	switch env.Type {
	case TypeLoginRequest:
		p = &LoginRequest{}
	case TypeLoginResponse:
		p = &LoginResponse{}
	case TypeKeyExchangeRequest:
		p = &KeyExchangeRequest{}
	case TypeKeyExchangeResponse:
		p = &KeyExchangeResponse{}
	case TypeAESKeyExchange:
		p = &AESKeyExchange{}
	case TypeTextMessage:
		p = &TextMessage{}
	case TypeBurnAfterRead:
		p = &BurnAfterRead{}
	case TypeImageMessage:
		p = &ImageMessage{}
	case TypeUserListUpdate:
		p = &UserListUpdate{}
	case TypeHeartbeat:
		p = &Heartbeat{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", common.ErrMalformedPayload, env.Type)
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMalformedPayload, err)
	}
	return p, nil
}

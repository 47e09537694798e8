package radio

import (
	"encoding/binary"
	"errors"
	"io"
)

// LAN link framing: 1-byte op, 2-byte big-endian body length, body.
const (
	opHello byte = iota + 1
	opDiscover
	opServices
	opSubscribe
	opWrite
	opAck
	opNotify
)

const (
	frameHeader  = 3
	maxFrameBody = MaxPayload + 512

	flagAck byte = 0x01
)

var errFrameTooLarge = errors.New("radio: frame body too large")

func writeFrame(w io.Writer, op byte, body []byte) error {
	if len(body) > maxFrameBody {
		return errFrameTooLarge
	}
	buf := make([]byte, frameHeader+len(body))
	buf[0] = op
	binary.BigEndian.PutUint16(buf[1:], uint16(len(body)))
	copy(buf[frameHeader:], body)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[1:]))
	if n > maxFrameBody {
		return 0, nil, errFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

// endpointBody is: 1-byte endpoint length, endpoint, rest.
func endpointBody(endpoint string, rest []byte) []byte {
	b := make([]byte, 0, 1+len(endpoint)+len(rest))
	b = append(b, byte(len(endpoint)))
	b = append(b, endpoint...)
	return append(b, rest...)
}

func splitEndpointBody(b []byte) (string, []byte, error) {
	if len(b) < 1 || len(b) < 1+int(b[0]) {
		return "", nil, errors.New("radio: short endpoint body")
	}
	n := int(b[0])
	return string(b[1 : 1+n]), b[1+n:], nil
}

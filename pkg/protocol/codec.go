package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyFrame is returned when a message has no tag byte.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrUnknownFrame is returned for a tag outside the frame set.
	ErrUnknownFrame = errors.New("unknown frame tag")
	// ErrTextFrame is reported by transports that receive a text message.
	ErrTextFrame = errors.New("text frames are not supported")
)

// DecodeError is returned for every message that cannot be turned into a
// frame. Err is ErrEmptyFrame, ErrUnknownFrame, ErrTextFrame or a field
// parse error. Decode errors never end a connection.
type DecodeError struct {
	Tag    uint8
	Server bool
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case errors.Is(e.Err, ErrEmptyFrame), errors.Is(e.Err, ErrTextFrame):
		return e.Err.Error()
	case errors.Is(e.Err, ErrUnknownFrame):
		return fmt.Sprintf("unknown frame tag %d", e.Tag)
	case e.Server:
		return fmt.Sprintf("malformed %s frame: %v", ServerFrameType(e.Tag), e.Err)
	default:
		return fmt.Sprintf("malformed %s frame: %v", ClientFrameType(e.Tag), e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a recoverable protocol error.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// EncodeClient serializes a client frame.
func EncodeClient(f ClientFrame) []byte {
	e := encoder{buf: []byte{byte(f.ClientType())}}
	f.encode(&e)
	return e.buf
}

// DecodeClient parses one client frame.
func DecodeClient(b []byte) (ClientFrame, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Err: ErrEmptyFrame}
	}
	f := newClientFrame(ClientFrameType(b[0]))
	if f == nil {
		return nil, &DecodeError{Tag: b[0], Err: ErrUnknownFrame}
	}
	if err := decodeFields(b[1:], f.decodeField); err != nil {
		return nil, &DecodeError{Tag: b[0], Err: err}
	}
	return f, nil
}

// EncodeServer serializes a server frame.
func EncodeServer(f ServerFrame) []byte {
	e := encoder{buf: []byte{byte(f.ServerType())}}
	f.encode(&e)
	return e.buf
}

// DecodeServer parses one server frame.
func DecodeServer(b []byte) (ServerFrame, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Server: true, Err: ErrEmptyFrame}
	}
	f := newServerFrame(ServerFrameType(b[0]))
	if f == nil {
		return nil, &DecodeError{Tag: b[0], Server: true, Err: ErrUnknownFrame}
	}
	if err := decodeFields(b[1:], f.decodeField); err != nil {
		return nil, &DecodeError{Tag: b[0], Server: true, Err: err}
	}
	return f, nil
}

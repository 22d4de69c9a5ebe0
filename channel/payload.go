package channel

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrTypeMismatch is returned when a value cannot be stored in a channel
	// of the given kind, for example a struct on a text channel.
	ErrTypeMismatch = errors.New("channel: payload type mismatch")

	// ErrClosed is returned by every operation on a closed channel.
	ErrClosed = errors.New("channel: closed")
)

// Payload is the set of accumulated data kinds. A channel is fixed to one
// kind when it is created.
type Payload interface {
	[]byte | string
}

// Kind tells binary channels from text channels.
type Kind int

const (
	KindBinary Kind = iota
	KindText
)

func (k Kind) String() string {
	if k == KindText {
		return "text"
	}
	return "binary"
}

func kindOf[T Payload]() Kind {
	var zero T
	if _, ok := any(zero).(string); ok {
		return KindText
	}
	return KindBinary
}

// toValidText replaces invalid UTF-8 sequences with U+FFFD.
func toValidText(b []byte) []byte {
	if utf8.Valid(b) {
		return b
	}
	return []byte(strings.ToValidUTF8(string(b), string(utf8.RuneError)))
}

// measure returns the logical length of b: runes for text, bytes otherwise.
func measure(kind Kind, b []byte) int {
	if kind == KindText {
		return utf8.RuneCount(b)
	}
	return len(b)
}

func payloadBytes[T Payload](p T) []byte {
	switch v := any(p).(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	}
	return nil
}

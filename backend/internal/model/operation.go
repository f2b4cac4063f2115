package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOperation = errors.New("INVALID_OPERATION")
	ErrOutOfBounds      = errors.New("OUT_OF_BOUNDS")
)

// Validate checks op against a document of contentLen runes. Out-of-range
// positions are rejected, never clamped.
func (op TextOperation) Validate(contentLen int) error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrOutOfBounds, op.Position)
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: insert without text", ErrInvalidOperation)
		}
		if op.Position > contentLen {
			return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfBounds, op.Position, contentLen)
		}
	case OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete without length", ErrInvalidOperation)
		}
		// compared without adding, position and length both come from clients
		if op.Position > contentLen || op.Length > contentLen-op.Position {
			return fmt.Errorf("%w: delete %d runes at %d, length %d", ErrOutOfBounds, op.Length, op.Position, contentLen)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// ApplyTo applies op to s and returns the new text. Clients and tests use it
// to mirror what the server's buffer does.
func (op TextOperation) ApplyTo(s string) (string, error) {
	r := []rune(s)
	if err := op.Validate(len(r)); err != nil {
		return s, err
	}
	switch op.Kind {
	case OpInsert:
		out := make([]rune, 0, len(r)+len(op.Text))
		out = append(out, r[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, r[op.Position:]...)
		return string(out), nil
	default:
		return string(r[:op.Position]) + string(r[op.Position+op.Length:]), nil
	}
}

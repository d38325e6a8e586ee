// Package deviceid generates and validates 128-bit device and channel
// identifiers (DeviceId/UAID and ChannelId/CHID). Both are backed by
// google/uuid, which already represents a UUID as a [16]byte, rather than
// hand-rolling random byte generation and hex encoding.
package deviceid

import (
	"errors"

	"github.com/google/uuid"
)

// ID is a 128-bit device or channel identifier, opaque to clients except as
// echoed back in the protocol.
type ID uuid.UUID

var Nil ID

// New mints a fresh, random identifier. Used both for UAID minting at
// Hello and for CHID assignment at Register.
func New() ID {
	return ID(uuid.New())
}

// Parse decodes a textual identifier (hex or hyphenated UUID form, as the
// WebSocket JSON frames and endpoint URL tokens carry it).
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, errors.New("deviceid: malformed identifier")
	}
	return ID(u), nil
}

// FromBytes decodes the raw 16-byte form used in the endpoint token
// plaintext layout.
func FromBytes(b []byte) (ID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return Nil, errors.New("deviceid: malformed identifier bytes")
	}
	return ID(u), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }

// Bytes returns the raw 16-byte form for wire encoding.
func (id ID) Bytes() []byte {
	b := uuid.UUID(id)
	return b[:]
}

func (id ID) IsNil() bool { return id == Nil }

func (id ID) Equal(other ID) bool { return id == other }

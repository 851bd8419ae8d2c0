package ble

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identity is the 128-bit identifier the host stack assigns to a remote
// device. It is comparable and used directly as the aggregation key.
type Identity uuid.UUID

// Nil is the zero identity.
var Nil Identity

func NewIdentity(u uuid.UUID) Identity { return Identity(u) }

// ParseIdentity accepts either a UUID ("c0ffee00-...") or a 6-octet
// address ("AA:BB:CC:DD:EE:FF", case-insensitive, ':' or '-' separated).
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if len(s) == 17 {
		return IdentityFromAddress(s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("ble: parse identity %q: %w", s, err)
	}
	return Identity(u), nil
}

// IdentityFromAddress places a 6-octet address in the low octets of an
// otherwise zero identity so that Address round-trips.
func IdentityFromAddress(addr string) (Identity, error) {
	parts := strings.FieldsFunc(addr, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != 6 {
		return Nil, fmt.Errorf("ble: address %q: want 6 octets", addr)
	}
	var id Identity
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return Nil, fmt.Errorf("ble: address %q: bad octet %q", addr, p)
		}
		id[10+i] = b[0]
	}
	return id, nil
}

// IdentityFromMAC is IdentityFromAddress for raw octets.
func IdentityFromMAC(mac [6]byte) Identity {
	var id Identity
	copy(id[10:], mac[:])
	return id
}

// Address renders the last six octets as XX:XX:XX:XX:XX:XX.
func (id Identity) Address() string {
	const digits = "0123456789ABCDEF"
	var b [17]byte
	for i, o := range id[10:] {
		if i > 0 {
			b[i*3-1] = ':'
		}
		b[i*3] = digits[o>>4]
		b[i*3+1] = digits[o&0x0f]
	}
	return string(b[:])
}

func (id Identity) UUID() uuid.UUID { return uuid.UUID(id) }

func (id Identity) String() string { return uuid.UUID(id).String() }

func (id Identity) IsZero() bool { return id == Nil }

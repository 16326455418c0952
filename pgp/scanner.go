// Package pgp implements a structural (non-cryptographic) check of OpenPGP
// new-format packet sequences and their ASCII-armor encoding. It answers one
// question only: does this payload have the shape of a message encrypted
// end-to-end, with no packets left in the clear? It never decrypts or
// verifies anything.
package pgp

import "fmt"

// Packet tags relevant to the scan. Everything else is rejected.
const (
	tagPKESK = 1  // Public-Key Encrypted Session Key
	tagSKESK = 3  // Symmetric-Key Encrypted Session Key
	tagSEIPD = 18 // Symmetrically Encrypted Integrity Protected Data
)

// ScanResult is the tri-state outcome of scanning a decoded payload.
type ScanResult int

const (
	// Valid means the payload is a well-formed run of PKESK/SKESK packets
	// terminated by exactly one SEIPD packet with no trailing bytes.
	Valid ScanResult = iota
	// Invalid means the payload parsed without running past its end, but
	// did not have the required packet shape.
	Invalid
	// Truncated means a length prefix or packet body claimed more bytes
	// than remained in the payload.
	Truncated
)

func (r ScanResult) String() string {
	switch r {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Truncated:
		return "truncated"
	default:
		return "unknown"
	}
}

// TruncatedHeaderError is returned by Scan, as well as exposed via ScanResult,
// so that callers who want to log the precise reason for a non-encrypted
// verdict can distinguish "malformed" from "short read".
type TruncatedHeaderError struct {
	Offset int
}

func (e *TruncatedHeaderError) Error() string {
	return fmt.Sprintf("pgp: truncated packet header or body at offset %d", e.Offset)
}

// Scan walks a base64-decoded armored payload and reports whether it is
// exactly a (possibly empty) run of PKESK/SKESK packets followed by one
// SEIPD packet that consumes the remainder of the payload exactly.
//
// Scan never returns (Valid, non-nil); callers should treat both Invalid and
// Truncated as "not encrypted" for policy purposes, using the returned error
// only for logging.
func Scan(payload []byte) (ScanResult, error) {
	if len(payload) == 0 {
		return Invalid, nil
	}
	i := 0
	for {
		if payload[i]&0xC0 != 0xC0 {
			// Not a new-format packet header.
			return Invalid, nil
		}
		tag, bodyLen, next, err := readPacketHeader(payload, i)
		if err != nil {
			return Truncated, err
		}
		bodyEnd := next + bodyLen
		if bodyEnd > len(payload) {
			return Truncated, &TruncatedHeaderError{Offset: next}
		}
		i = bodyEnd
		if i == len(payload) {
			if tag == tagSEIPD {
				return Valid, nil
			}
			return Invalid, nil
		}
		if tag != tagPKESK && tag != tagSKESK {
			return Invalid, nil
		}
	}
}

// readPacketHeader parses one new-format OpenPGP packet header starting at
// offset i, honouring partial-body-length continuation. It returns the
// packet's tag, the length of its (final, non-partial) body, and the offset
// at which that body begins.
func readPacketHeader(payload []byte, i int) (tag int, bodyLen int, bodyStart int, err error) {
	if i >= len(payload) {
		return 0, 0, 0, &TruncatedHeaderError{Offset: i}
	}
	tag = int(payload[i] & 0x3F)
	i++

	for {
		if i >= len(payload) {
			return 0, 0, 0, &TruncatedHeaderError{Offset: i}
		}
		b0 := payload[i]
		switch {
		case b0 >= 224 && b0 < 255:
			partialLen := 1 << (b0 & 0x1F)
			i++
			if i+partialLen > len(payload) {
				return 0, 0, 0, &TruncatedHeaderError{Offset: i}
			}
			i += partialLen
			continue
		case b0 < 192:
			return tag, int(b0), i + 1, nil
		case b0 < 224:
			if i+1 >= len(payload) {
				return 0, 0, 0, &TruncatedHeaderError{Offset: i}
			}
			b1 := payload[i+1]
			length := ((int(b0) - 192) << 8) + int(b1) + 192
			return tag, length, i + 2, nil
		default: // b0 == 255
			if i+4 >= len(payload) {
				return 0, 0, 0, &TruncatedHeaderError{Offset: i}
			}
			length := int(payload[i+1])<<24 | int(payload[i+2])<<16 | int(payload[i+3])<<8 | int(payload[i+4])
			return tag, length, i + 5, nil
		}
	}
}

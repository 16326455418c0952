package pgp

import (
	"encoding/base64"
	"errors"
	"strings"
)

const (
	armorBegin = "-----BEGIN PGP MESSAGE-----\r\n"
	armorEnd   = "-----END PGP MESSAGE-----"
)

// ErrMalformedArmor is returned by Decode when the input does not have the
// expected armor envelope shape.
var ErrMalformedArmor = errors.New("pgp: malformed armor envelope")

/*
Decode strips an OpenPGP ASCII-armor envelope down to its raw decoded bytes.

Armor headers (a "Version: " line) are only tolerated on incoming messages;
outgoing messages carrying one are rejected outright, so that this relay's
own users never leak client identifiers in armor comments while remote
senders' headers are still accepted.
*/
func Decode(armored string, outgoing bool) ([]byte, error) {
	rest, ok := cutPrefix(armored, armorBegin)
	if !ok {
		return nil, ErrMalformedArmor
	}

	rest = strings.TrimRight(rest, "\r\n")
	trimmed, ok := cutSuffix(rest, armorEnd)
	if !ok {
		return nil, ErrMalformedArmor
	}
	rest = trimmed

	if strings.HasPrefix(rest, "Version: ") {
		if outgoing {
			return nil, ErrMalformedArmor
		}
		idx := strings.Index(rest, "\r\n")
		if idx < 0 {
			return nil, ErrMalformedArmor
		}
		rest = rest[idx+2:]
	}

	rest = strings.TrimLeft(rest, "\r\n")

	if idx := strings.LastIndex(rest, "="); idx >= 0 {
		rest = rest[:idx]
	}

	rest = strings.NewReplacer("\r", "", "\n", "").Replace(rest)

	decoded, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return nil, ErrMalformedArmor
	}
	return decoded, nil
}

// IsEncrypted decodes an armored payload and runs the packet scanner over
// it, collapsing the tri-state ScanResult down to a single accept/reject
// bool as policy callers need. The error, when non-nil, is purely
// informational for logging.
func IsEncrypted(armored string, outgoing bool) (bool, error) {
	decoded, err := Decode(armored, outgoing)
	if err != nil {
		return false, err
	}
	result, err := Scan(decoded)
	return result == Valid, err
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func cutSuffix(s, suffix string) (string, bool) {
	if !strings.HasSuffix(s, suffix) {
		return "", false
	}
	return s[:len(s)-len(suffix)], true
}

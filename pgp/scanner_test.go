package pgp

import "testing"

// packet builds a new-format packet header (one-octet length only, enough
// for these tests) followed by body bytes of the given length.
func packet(tag int, bodyLen int) []byte {
	out := []byte{byte(0xC0 | tag)}
	out = append(out, byte(bodyLen))
	out = append(out, make([]byte, bodyLen)...)
	return out
}

func TestScan_ValidSingleSEIPD(t *testing.T) {
	payload := packet(tagSEIPD, 10)
	result, err := Scan(payload)
	if result != Valid || err != nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

func TestScan_ValidWithPKESKPrefix(t *testing.T) {
	payload := append(packet(tagPKESK, 4), packet(tagSEIPD, 6)...)
	result, err := Scan(payload)
	if result != Valid || err != nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

func TestScan_ValidWithSKESKPrefix(t *testing.T) {
	payload := append(packet(tagSKESK, 2), packet(tagSEIPD, 6)...)
	result, err := Scan(payload)
	if result != Valid || err != nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

func TestScan_InvalidWrongFirstPacket(t *testing.T) {
	// Tag 9 (old symmetrically encrypted data, no integrity) is neither
	// PKESK, SKESK, nor SEIPD.
	payload := packet(9, 10)
	result, _ := Scan(payload)
	if result != Invalid {
		t.Fatalf("got %v", result)
	}
}

func TestScan_InvalidTrailingBytesAfterSEIPD(t *testing.T) {
	payload := append(packet(tagSEIPD, 4), 0x00)
	result, _ := Scan(payload)
	if result != Invalid {
		t.Fatalf("expected invalid due to trailing byte, got %v", result)
	}
}

func TestScan_InvalidPKESKNotFollowedByRequiredTag(t *testing.T) {
	payload := append(packet(tagPKESK, 2), packet(tagPKESK, 2)...)
	result, _ := Scan(payload)
	if result != Invalid {
		t.Fatalf("expected invalid: two non-terminal packets, got %v", result)
	}
}

func TestScan_TruncatedHeader(t *testing.T) {
	payload := []byte{0xC0 | tagSEIPD}
	result, err := Scan(payload)
	if result != Truncated || err == nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

func TestScan_TruncatedBody(t *testing.T) {
	payload := []byte{0xC0 | tagSEIPD, 100} // one-octet length: claims 100 body bytes, has none
	result, err := Scan(payload)
	if result != Truncated || err == nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

func TestScan_OldFormatPacketRejected(t *testing.T) {
	// High bits 10 (old format) rather than 11 (new format): an old-format
	// PKESK header (tag in bits 5-2, one-octet length) ahead of a valid SEIPD.
	// Old-format tags have only 4 bits, so SEIPD (18) itself cannot be used.
	payload := []byte{0x80 | (tagPKESK << 2), 2, 0, 0}
	payload = append(payload, packet(tagSEIPD, 4)...)
	result, _ := Scan(payload)
	if result != Invalid {
		t.Fatalf("expected old-format packet to be rejected, got %v", result)
	}
}

func TestScan_EmptyPayloadIsInvalid(t *testing.T) {
	result, err := Scan(nil)
	if result != Invalid || err != nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

func TestScan_TwoOctetLength(t *testing.T) {
	bodyLen := 300 // falls in the two-octet range
	b0 := byte((bodyLen-192)>>8) + 192
	b1 := byte((bodyLen - 192) - (int(b0-192) << 8))
	header := []byte{0xC0 | tagSEIPD, b0, b1}
	payload := append(header, make([]byte, bodyLen)...)
	result, err := Scan(payload)
	if result != Valid || err != nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

func TestScan_PartialLengthPrefix(t *testing.T) {
	// One partial chunk of 2^4=16 bytes, then a final one-octet length of 5.
	payload := []byte{0xC0 | tagPKESK, 224 + 4}
	payload = append(payload, make([]byte, 16)...)
	payload = append(payload, 5)
	payload = append(payload, make([]byte, 5)...)
	payload = append(payload, packet(tagSEIPD, 1)...)
	result, err := Scan(payload)
	if result != Valid || err != nil {
		t.Fatalf("got %v, %v", result, err)
	}
}

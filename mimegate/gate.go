package mimegate

import (
	"strings"

	"github.com/chatmail/filtermail/pgp"
)

// CheckEncrypted reports whether mail is a well-formed two-part
// multipart/encrypted OpenPGP/MIME message: an application/pgp-encrypted
// "Version: 1" control part followed by an application/octet-stream part
// whose decoded body is a structurally valid OpenPGP payload.
func CheckEncrypted(mail *ParsedMessage, outgoing bool) bool {
	if mail.ContentType != "multipart/encrypted" {
		return false
	}
	if len(mail.Parts) != 2 {
		return false
	}
	control, payload := mail.Parts[0], mail.Parts[1]
	if control.IsMultipart() || payload.IsMultipart() {
		return false
	}
	if !strings.EqualFold(control.ContentType, "application/pgp-encrypted") {
		return false
	}
	if strings.TrimSpace(string(control.Body)) != "Version: 1" {
		return false
	}
	if payload.ContentType != "application/octet-stream" {
		return false
	}
	ok, _ := pgp.IsEncrypted(string(payload.Body), outgoing)
	return ok
}

// IsSecureJoin reports whether mail is an Autocrypt Secure-Join handshake
// request: a Secure-Join header of vc-request/vg-request, carried by a
// single text/plain part whose body restates the same handshake line.
func IsSecureJoin(mail *ParsedMessage) bool {
	secureJoin := mail.HeaderFirst("Secure-Join")
	if secureJoin != "vc-request" && secureJoin != "vg-request" {
		return false
	}
	if len(mail.Parts) != 1 {
		return false
	}
	part := mail.Parts[0]
	if part.IsMultipart() || part.ContentType != "text/plain" {
		return false
	}
	body := strings.ToLower(strings.TrimSpace(string(part.Body)))
	return body == "secure-join: vc-request" || body == "secure-join: vg-request"
}

// Package addr extracts a bare mailbox address out of SMTP envelope
// parameters and RFC 5322 header values.
package addr

import (
	"net/mail"
	"strings"
)

// Extract lowercases the input, strips a leading "mail from:"/"rcpt to:"
// verb, drops any trailing extension parameters past the closing '>', and
// parses what remains as an RFC 5322 address, returning the first mailbox
// found. Bare "name@domain" without angle brackets is accepted.
//
// Extract returns ("", false) when no mailbox can be found.
func Extract(input string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(input))
	s = strings.TrimPrefix(s, "mail from:")
	s = strings.TrimPrefix(s, "rcpt to:")
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, ">"); idx >= 0 {
		s = s[:idx+1]
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		if list, listErr := mail.ParseAddressList(s); listErr == nil && len(list) > 0 {
			return strings.ToLower(list[0].Address), true
		}
		return "", false
	}
	return strings.ToLower(addr.Address), true
}

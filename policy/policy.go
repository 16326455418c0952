// Package policy composes the MIME gate, OpenPGP scanner, address
// extraction and rate limiter into the incoming and outgoing accept/deny
// decisions the SMTP server enforces.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatmail/filtermail/addr"
	"github.com/chatmail/filtermail/config"
	"github.com/chatmail/filtermail/mimegate"
	"github.com/chatmail/filtermail/ratelimit"
)

// DeniedError is a PolicyDenied: one of the gates below refused the
// message. Code is the SMTP reply code to send; Message is the reply text
// that follows it.
type DeniedError struct {
	Code    int
	Message string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func denied(code int, format string, args ...interface{}) *DeniedError {
	return &DeniedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Envelope is the accumulated state of one SMTP session by the time DATA
// has been fully read.
type Envelope struct {
	MailFrom string
	RcptTo   []string
	Data     []byte
}

// Incoming implements check_data for mail arriving from the outside world.
type Incoming struct {
	Config *config.Config
}

// CheckData applies the incoming policy in the order specified: parse
// failure, encrypted-or-securejoin exception, DSN exception, then a
// per-recipient cleartext check.
func (p *Incoming) CheckData(env *Envelope) error {
	mail, err := mimegate.Parse(env.Data)
	if err != nil {
		return denied(500, "Failed to parse message: %v", err)
	}

	if mimegate.CheckEncrypted(mail, false) || mimegate.IsSecureJoin(mail) {
		return nil
	}

	if isDSN(mail) {
		return nil
	}

	for _, recipient := range env.RcptTo {
		if !p.isCleartextOK(recipient) {
			return denied(523, "Encryption Needed: Invalid Unencrypted Mail")
		}
	}
	return nil
}

func isDSN(mail *mimegate.ParsedMessage) bool {
	if mail.HeaderFirst("Auto-Submitted") == "" {
		return false
	}
	from, ok := addr.Extract(mail.HeaderFirst("From"))
	if !ok || !strings.HasPrefix(from, "mailer-daemon@") {
		return false
	}
	return mail.ContentType == "multipart/report"
}

// isCleartextOK implements is_cleartext_ok: the recipient's mailbox
// directory must exist, and must not carry an enforceE2EEincoming marker.
func (p *Incoming) isCleartextOK(recipient string) bool {
	if strings.Contains(recipient, "/") || !strings.Contains(recipient, "@") {
		return false
	}
	mailboxDir := filepath.Join(p.Config.MailboxesDir, recipient)
	if info, err := os.Stat(mailboxDir); err != nil || !info.IsDir() {
		return false
	}
	_, err := os.Stat(filepath.Join(mailboxDir, "enforceE2EEincoming"))
	return os.IsNotExist(err)
}

// Outgoing implements the outgoing rate-limit and accept/deny decisions for
// mail submitted by this relay's own users.
type Outgoing struct {
	Config      *config.Config
	RateLimiter *ratelimit.Limiter
}

// CheckMailFrom validates the envelope sender shape and consumes one rate
// limiter token for it.
func (p *Outgoing) CheckMailFrom(mailFrom string) error {
	if strings.Count(mailFrom, "@") != 1 {
		return denied(500, "Invalid MAIL FROM address")
	}
	decision := p.RateLimiter.CheckAndConsume(mailFrom)
	if !decision.Allowed {
		return denied(450, "4.7.1: Too much mail from <%s>, retry in %s", mailFrom, decision.RetryAfter)
	}
	return nil
}

// CheckData applies the outgoing policy in the order specified: parse
// failure, From-header match, encrypted-or-securejoin exception,
// passthrough-sender exception, Autocrypt Setup Message self-send
// exception, then per-recipient passthrough matching.
func (p *Outgoing) CheckData(env *Envelope) error {
	mail, err := mimegate.Parse(env.Data)
	if err != nil {
		return denied(500, "Failed to parse message: %v", err)
	}

	from, ok := addr.Extract(mail.HeaderFirst("From"))
	if !ok {
		return denied(500, "Invalid FROM header: %q", mail.HeaderFirst("From"))
	}
	if !strings.EqualFold(from, env.MailFrom) {
		return denied(500, "Invalid FROM %s for %s", from, env.MailFrom)
	}

	if mimegate.CheckEncrypted(mail, true) || mimegate.IsSecureJoin(mail) {
		return nil
	}

	if p.Config.PassthroughSenders[strings.ToLower(env.MailFrom)] {
		return nil
	}

	if isAutocryptSetupSelfSend(mail, env) {
		return nil
	}

	for _, recipient := range env.RcptTo {
		if !p.Config.RecipientPassthrough(recipient) {
			return denied(523, "Encryption Needed: Invalid Unencrypted Mail")
		}
	}
	return nil
}

func isAutocryptSetupSelfSend(mail *mimegate.ParsedMessage, env *Envelope) bool {
	if len(env.RcptTo) != 1 || !strings.EqualFold(env.RcptTo[0], env.MailFrom) {
		return false
	}
	if mail.HeaderFirst("Subject") != "Autocrypt Setup Message" {
		return false
	}
	return mail.ContentType == "multipart/mixed"
}

// Package config loads the filtermail INI configuration file into an
// immutable, process-lifetime snapshot.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Defaults for keys that may be absent from the config file.
const (
	DefaultSMTPPortOutgoing     = 10080
	DefaultSMTPPortIncoming     = 10081
	DefaultReinjectPortOutgoing = 10025
	DefaultReinjectPortIncoming = 10026
	DefaultMaxMessageSize       = 31457280
	DefaultMaxUserSendBurst     = 0
	defaultMailboxesDirTemplate = "/home/vmail/mail/%s"
)

// Config is a read-only snapshot of the [params] section of the INI config
// file, shared immutably across every connection handler for the lifetime
// of the process.
type Config struct {
	SMTPPortOutgoing           int
	SMTPPortIncoming           int
	ReinjectPortOutgoing       int
	ReinjectPortIncoming       int
	MaxMessageSize             int64
	MaxUserSendPerMinute       int
	MaxUserSendBurst           int
	PassthroughSenders         map[string]bool
	PassthroughRecipientExact  map[string]bool
	PassthroughRecipientSuffix []string
	MailDomain                 string
	MailboxesDir               string
}

// Error is a ConfigError: a malformed or unreadable config file. It is only
// ever encountered at startup and is fatal to the process.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s", e.Reason)
}

// Load parses the INI file at path and applies the defaults and required-key
// validation described by the config key table.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, &Error{Reason: err.Error()}
	}
	section := file.Section("params")

	cfg := &Config{
		SMTPPortOutgoing:     section.Key("filtermail_smtp_port").MustInt(DefaultSMTPPortOutgoing),
		SMTPPortIncoming:     section.Key("filtermail_smtp_port_incoming").MustInt(DefaultSMTPPortIncoming),
		ReinjectPortOutgoing: section.Key("postfix_reinject_port").MustInt(DefaultReinjectPortOutgoing),
		ReinjectPortIncoming: section.Key("postfix_reinject_port_incoming").MustInt(DefaultReinjectPortIncoming),
		MaxMessageSize:       section.Key("max_message_size").MustInt64(DefaultMaxMessageSize),
		MaxUserSendBurst:     section.Key("max_user_send_burst").MustInt(DefaultMaxUserSendBurst),
		MailDomain:           section.Key("mail_domain").String(),
	}

	if cfg.MailDomain == "" {
		return nil, &Error{Reason: "mail_domain is required"}
	}

	if !section.HasKey("max_user_send_per_minute") {
		return nil, &Error{Reason: "max_user_send_per_minute is required"}
	}
	cfg.MaxUserSendPerMinute, err = section.Key("max_user_send_per_minute").Int()
	if err != nil {
		return nil, &Error{Reason: "max_user_send_per_minute: " + err.Error()}
	}

	cfg.MailboxesDir = section.Key("mailboxes_dir").String()
	if cfg.MailboxesDir == "" {
		cfg.MailboxesDir = fmt.Sprintf(defaultMailboxesDirTemplate, cfg.MailDomain)
	}

	cfg.PassthroughSenders = toSet(section.Key("passthrough_senders").Strings(" "))

	cfg.PassthroughRecipientExact = make(map[string]bool)
	for _, pattern := range section.Key("passthrough_recipients").Strings(" ") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if strings.HasPrefix(pattern, "@") {
			cfg.PassthroughRecipientSuffix = append(cfg.PassthroughRecipientSuffix, pattern)
		} else {
			cfg.PassthroughRecipientExact[pattern] = true
		}
	}

	return cfg, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			set[item] = true
		}
	}
	return set
}

// RecipientPassthrough reports whether recipient matches passthrough_recipients:
// either an exact mailbox match, or a "@suffix" pattern matching the tail of
// the address.
func (c *Config) RecipientPassthrough(recipient string) bool {
	recipient = strings.ToLower(recipient)
	if c.PassthroughRecipientExact[recipient] {
		return true
	}
	for _, suffix := range c.PassthroughRecipientSuffix {
		if strings.HasSuffix(recipient, suffix) {
			return true
		}
	}
	return false
}

// Package mimegate parses a raw RFC 5322 message into a MIME tree and
// answers two policy predicates over it: whether it is a well-formed
// OpenPGP/MIME encrypted message, and whether it is an Autocrypt Secure-Join
// handshake message.
package mimegate

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
)

// ParsedMessage is a read-only node in the MIME tree: a content type, its
// header fields, its decoded body (meaningful only for leaf/non-multipart
// nodes) and, for multipart nodes, its direct sub-parts in order.
type ParsedMessage struct {
	ContentType string // full media type, lower-cased, e.g. "multipart/encrypted"
	Params      map[string]string
	Header      textproto.MIMEHeader
	Body        []byte
	Parts       []*ParsedMessage
}

// HeaderFirst returns the first value of a header field, or "" if absent.
// Lookups are case-insensitive, matching textproto.MIMEHeader's canonicalisation.
func (m *ParsedMessage) HeaderFirst(key string) string {
	values := m.Header[textproto.CanonicalMIMEHeaderKey(key)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// IsMultipart reports whether this node's content type is a multipart/* kind.
func (m *ParsedMessage) IsMultipart() bool {
	return strings.HasPrefix(m.ContentType, "multipart/")
}

// Parse reads a raw RFC 5322 message and builds its MIME tree, one level of
// multipart nesting at a time; nested multiparts are parsed recursively.
func Parse(raw []byte) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, err
	}
	return parseNode(textproto.MIMEHeader(msg.Header), body)
}

func parseNode(header textproto.MIMEHeader, body []byte) (*ParsedMessage, error) {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{}
	}
	mediaType = strings.ToLower(mediaType)

	node := &ParsedMessage{
		ContentType: mediaType,
		Params:      params,
		Header:      header,
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		node.Body = decodeTransferEncoding(header.Get("Content-Transfer-Encoding"), body)
		return node, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return node, nil
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		partBody, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		childNode, err := parseNode(textproto.MIMEHeader(part.Header), partBody)
		if err != nil {
			return nil, err
		}
		node.Parts = append(node.Parts, childNode)
	}
	return node, nil
}

func decodeTransferEncoding(cte string, body []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, string(body)))
		if err != nil {
			return body
		}
		return decoded
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return decoded
	default:
		return body
	}
}

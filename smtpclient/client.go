// Package smtpclient implements the minimal plain-SMTP dialect used to
// reinject an accepted message into the local MTA on its internal port.
package smtpclient

import (
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"time"
)

// SendError is raised when the reinjection peer answers a command with a
// reply code other than the one expected. RawAnswer is the exact line the
// peer sent, propagated verbatim back to the originating client so that
// rejections at the local MTA reach the true origin unaltered.
type SendError struct {
	Context   string
	RawAnswer string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Context, e.RawAnswer)
}

// Client reinjects mail via a minimal, HELO-only SMTP exchange against a
// local MTA port. ESMTP, TLS, authentication and dot-stuffing are
// deliberately out of scope: the reinjection bytes are copied verbatim.
type Client struct {
	Host string
	Port int
	// DialTimeout bounds the initial TCP connection attempt.
	DialTimeout time.Duration
}

func (c *Client) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 10 * time.Second
}

// Send dials the reinjection port and performs HELO, MAIL FROM, one RCPT TO
// per recipient, DATA, the verbatim envelope bytes and the terminating
// "." line, in that order. It returns *SendError if any reply does not
// match the expected code.
func (c *Client) Send(from string, to []string, data []byte) error {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout())
	if err != nil {
		return err
	}
	defer conn.Close()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	text := textproto.NewConn(conn)
	defer text.Close()

	if err := expect(text, "connect", 220); err != nil {
		return err
	}
	if err := command(text, "send HELO", "HELO localhost\r\n", 250); err != nil {
		return err
	}
	if err := command(text, "send MAIL FROM", fmt.Sprintf("MAIL FROM:<%s>\r\n", from), 250); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := command(text, "send RCPT TO", fmt.Sprintf("RCPT TO:<%s>\r\n", rcpt), 250); err != nil {
			return err
		}
	}
	if err := command(text, "send DATA", "DATA\r\n", 354); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	if err := command(text, "send final dot", ".\r\n", 250); err != nil {
		return err
	}
	return nil
}

// command writes a line verbatim and then expects the given reply code.
func command(text *textproto.Conn, context, line string, wantCode int) error {
	if _, err := text.W.WriteString(line); err != nil {
		return err
	}
	if err := text.W.Flush(); err != nil {
		return err
	}
	return expect(text, context, wantCode)
}

// expect reads one reply line and returns *SendError if its code does not
// match wantCode.
func expect(text *textproto.Conn, context string, wantCode int) error {
	line, err := text.R.ReadString('\n')
	if err != nil {
		return err
	}
	if len(line) < 3 {
		return &SendError{Context: context, RawAnswer: line}
	}
	code, convErr := strconv.Atoi(line[:3])
	if convErr != nil || code != wantCode {
		return &SendError{Context: context, RawAnswer: line}
	}
	return nil
}

package filtermaild

import (
	"bufio"
	"net"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/chatmail/filtermail/config"
)

// fakeMTA accepts one connection, speaks the reinjection dialect, and
// reports the envelope it received on the returned channel.
type fakeMTA struct {
	listener net.Listener
	received chan string
}

func startFakeMTA(t *testing.T) *fakeMTA {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m := &fakeMTA{listener: listener, received: make(chan string, 1)}
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		conn.Write([]byte("220 fake mta\r\n"))
		var from string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			switch {
			case len(line) >= 4 && line[:4] == "HELO":
				conn.Write([]byte("250 OK\r\n"))
			case len(line) >= 9 && line[:9] == "MAIL FROM":
				from = line
				conn.Write([]byte("250 OK\r\n"))
			case len(line) >= 7 && line[:7] == "RCPT TO":
				conn.Write([]byte("250 OK\r\n"))
			case line == "DATA\r\n":
				conn.Write([]byte("354 go ahead\r\n"))
				var body string
				for {
					dl, err := reader.ReadString('\n')
					if err != nil || dl == ".\r\n" {
						break
					}
					body += dl
				}
				m.received <- from + body
				conn.Write([]byte("250 OK\r\n"))
			}
		}
	}()
	return m
}

func (m *fakeMTA) port() int {
	return m.listener.Addr().(*net.TCPAddr).Port
}

func waitListening(t *testing.T, daemon *Daemon) string {
	t.Helper()
	for i := 0; i < 100; i++ {
		if daemon.Listener != nil {
			return daemon.Listener.Addr().String()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon never started listening")
	return ""
}

func TestDaemon_Outgoing_PassthroughSenderReinjected(t *testing.T) {
	mta := startFakeMTA(t)
	defer mta.listener.Close()

	cfg := &config.Config{
		MailDomain:           "ex.org",
		MaxUserSendPerMinute: 100,
		MaxMessageSize:       1 << 20,
		ReinjectPortOutgoing: mta.port(),
		PassthroughSenders:   map[string]bool{"alice@ex.org": true},
	}
	daemon := &Daemon{Direction: Outgoing, Address: "127.0.0.1", Port: 0, Config: cfg}
	if err := daemon.Initialise(); err != nil {
		t.Fatal(err)
	}
	go daemon.StartAndBlock()
	defer daemon.Stop()
	addrStr := waitListening(t, daemon)

	msg := []byte("From: alice@ex.org\r\nTo: bob@other.org\r\nSubject: hi\r\n\r\nbody\r\n")
	if err := smtp.SendMail(addrStr, nil, "alice@ex.org", []string{"bob@other.org"}, msg); err != nil {
		t.Fatal(err)
	}

	select {
	case <-mta.received:
	case <-time.After(2 * time.Second):
		t.Fatal("reinjection never reached the local MTA")
	}
}

func TestDaemon_Outgoing_RateLimited(t *testing.T) {
	mta := startFakeMTA(t)
	defer mta.listener.Close()

	cfg := &config.Config{
		MailDomain:           "ex.org",
		MaxUserSendPerMinute: 1,
		MaxMessageSize:       1 << 20,
		ReinjectPortOutgoing: mta.port(),
		PassthroughSenders:   map[string]bool{"alice@ex.org": true},
	}
	daemon := &Daemon{Direction: Outgoing, Address: "127.0.0.1", Port: 0, Config: cfg}
	if err := daemon.Initialise(); err != nil {
		t.Fatal(err)
	}
	go daemon.StartAndBlock()
	defer daemon.Stop()
	addrStr := waitListening(t, daemon)

	msg := []byte("From: alice@ex.org\r\nTo: bob@other.org\r\nSubject: hi\r\n\r\nbody\r\n")
	if err := smtp.SendMail(addrStr, nil, "alice@ex.org", []string{"bob@other.org"}, msg); err != nil {
		t.Fatal(err)
	}
	<-mta.received

	err := smtp.SendMail(addrStr, nil, "alice@ex.org", []string{"bob@other.org"}, msg)
	if err == nil {
		t.Fatal("expected second send within the same minute to be rate limited")
	}
	tpErr, ok := err.(*textproto.Error)
	if !ok || tpErr.Code != 450 {
		t.Fatalf("expected a 450 reply, got %v", err)
	}
}

// TestDaemon_Outgoing_SecondMessageOnSameConnectionIsRateLimited drives two
// full MAIL FROM/RCPT TO/DATA cycles over one persistent connection. It
// pins that the second cycle's MAIL FROM actually reaches the rate
// limiter rather than being skipped because the state machine mistakenly
// let RCPT TO/DATA proceed on the first cycle's stale sender.
func TestDaemon_Outgoing_SecondMessageOnSameConnectionIsRateLimited(t *testing.T) {
	mta := startFakeMTA(t)
	defer mta.listener.Close()

	cfg := &config.Config{
		MailDomain:           "ex.org",
		MaxUserSendPerMinute: 1,
		MaxMessageSize:       1 << 20,
		ReinjectPortOutgoing: mta.port(),
		PassthroughSenders:   map[string]bool{"alice@ex.org": true},
	}
	daemon := &Daemon{Direction: Outgoing, Address: "127.0.0.1", Port: 0, Config: cfg}
	if err := daemon.Initialise(); err != nil {
		t.Fatal(err)
	}
	go daemon.StartAndBlock()
	defer daemon.Stop()
	addrStr := waitListening(t, daemon)

	conn, err := net.Dial("tcp", addrStr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	tp := textproto.NewConn(conn)

	if _, _, err := tp.ReadResponse(2); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	cycle := func(from string) (code int, msg string) {
		tp.Cmd("HELO there")
		if _, _, err := tp.ReadResponse(2); err != nil {
			t.Fatalf("HELO: %v", err)
		}
		tp.Cmd("MAIL FROM:<%s>", from)
		code, msg, _ = tp.ReadResponse(2)
		return code, msg
	}

	if code, msg := cycle("alice@ex.org"); code != 250 {
		t.Fatalf("first MAIL FROM: got %d %q, want 250", code, msg)
	}
	tp.Cmd("RCPT TO:<bob@other.org>")
	if _, _, err := tp.ReadResponse(2); err != nil {
		t.Fatalf("RCPT TO: %v", err)
	}
	tp.Cmd("DATA")
	if _, _, err := tp.ReadResponse(3); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	tp.PrintfLine("From: alice@ex.org\r\nTo: bob@other.org\r\nSubject: hi\r\n\r\nbody\r\n.")
	if _, _, err := tp.ReadResponse(2); err != nil {
		t.Fatalf("end of data: %v", err)
	}
	<-mta.received

	code, msg := cycle("alice@ex.org")
	if code != 450 {
		t.Fatalf("second MAIL FROM on the same connection: got %d %q, want 450 (rate limited)", code, msg)
	}
}

func TestDaemon_Incoming_CleartextRejected(t *testing.T) {
	cfg := &config.Config{
		MailDomain:           "ex.org",
		MaxMessageSize:       1 << 20,
		MailboxesDir:         t.TempDir(),
		ReinjectPortIncoming: 1,
	}
	daemon := &Daemon{Direction: Incoming, Address: "127.0.0.1", Port: 0, Config: cfg}
	if err := daemon.Initialise(); err != nil {
		t.Fatal(err)
	}
	go daemon.StartAndBlock()
	defer daemon.Stop()
	addrStr := waitListening(t, daemon)

	msg := []byte("From: outsider@other.org\r\nTo: alice@ex.org\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\nbody\r\n")
	err := smtp.SendMail(addrStr, nil, "outsider@other.org", []string{"alice@ex.org"}, msg)
	if err == nil {
		t.Fatal("expected cleartext mail to an unknown mailbox to be rejected")
	}
	tpErr, ok := err.(*textproto.Error)
	if !ok || tpErr.Code != 523 {
		t.Fatalf("expected a 523 reply, got %v", err)
	}
}

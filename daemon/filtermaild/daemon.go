// Package filtermaild runs the before-queue SMTP listener: it accepts a
// connection, walks it through the constrained SMTP dialect, hands the
// finished envelope to the policy engine, and reinjects whatever the policy
// allows into the local MTA.
package filtermaild

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/chatmail/filtermail/addr"
	"github.com/chatmail/filtermail/config"
	"github.com/chatmail/filtermail/daemon/filtermaild/smtp"
	"github.com/chatmail/filtermail/lalog"
	"github.com/chatmail/filtermail/metrics"
	"github.com/chatmail/filtermail/policy"
	"github.com/chatmail/filtermail/ratelimit"
	"github.com/chatmail/filtermail/smtpclient"
)

// IOTimeoutSec bounds how long the daemon waits for a line from a connected
// peer before giving up on the connection.
const IOTimeoutSec = 120

// transcriptBytes is how much of a connection's raw input filtermaild keeps
// around for the warning it logs when a connection aborts, so that a
// CRLF-discipline violation or other mid-protocol cutoff leaves a clue
// behind instead of a bare "connection aborted".
const transcriptBytes = 2048

// transcriptConn tees everything read off the wire into a ByteLogWriter so
// HandleConnection can report the tail of a session that ended in ABORT.
type transcriptConn struct {
	net.Conn
	transcript *lalog.ByteLogWriter
}

func (t *transcriptConn) Read(p []byte) (n int, err error) {
	n, err = t.Conn.Read(p)
	if n > 0 {
		t.transcript.Write(p[:n])
	}
	return
}

// Direction distinguishes the two independent listener daemons filtermail
// runs side by side: Incoming filters mail arriving from outside, Outgoing
// filters mail this relay's own users submit.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Daemon listens on one SMTP port, runs each accepted connection's envelope
// through the policy engine for its Direction, and reinjects whatever the
// policy allows into the local MTA's listening port.
type Daemon struct {
	Direction Direction
	Address   string
	Port      int
	Config    *config.Config

	incomingPolicy *policy.Incoming
	outgoingPolicy *policy.Outgoing
	reinject       *smtpclient.Client
	smtpConfig     smtp.Config

	Listener net.Listener
	Logger   *lalog.Logger
}

// Initialise validates the daemon's configuration and prepares the policy
// engine and reinjection client. Call it once before StartAndBlock.
func (daemon *Daemon) Initialise() error {
	if daemon.Address == "" {
		return fmt.Errorf("filtermaild.Initialise: listen address must not be empty")
	}
	if daemon.Port < 1 {
		return fmt.Errorf("filtermaild.Initialise: listen port must be greater than 0")
	}
	if daemon.Config == nil {
		return fmt.Errorf("filtermaild.Initialise: config must not be nil")
	}
	daemon.Logger = &lalog.Logger{
		ComponentName: "filtermaild",
		ComponentID:   []lalog.LoggerIDField{{Key: "direction", Value: daemon.Direction}, {Key: "port", Value: daemon.Port}},
	}

	var reinjectPort int
	switch daemon.Direction {
	case Incoming:
		reinjectPort = daemon.Config.ReinjectPortIncoming
		daemon.incomingPolicy = &policy.Incoming{Config: daemon.Config}
	case Outgoing:
		reinjectPort = daemon.Config.ReinjectPortOutgoing
		limiter := &ratelimit.Limiter{MaxPerMinute: daemon.Config.MaxUserSendPerMinute, Burst: daemon.Config.MaxUserSendBurst}
		limiter.Initialise()
		daemon.outgoingPolicy = &policy.Outgoing{Config: daemon.Config, RateLimiter: limiter}
	default:
		return fmt.Errorf("filtermaild.Initialise: unknown direction %q", daemon.Direction)
	}

	daemon.reinject = &smtpclient.Client{Host: "127.0.0.1", Port: reinjectPort}
	daemon.smtpConfig = smtp.Config{
		Limits:     &smtp.Limits{MsgSize: daemon.Config.MaxMessageSize, IOTimeout: IOTimeoutSec * time.Second},
		ServerName: fmt.Sprintf("filtermail %s", daemon.Direction),
		OnReply: func(code string) {
			metrics.Replies.WithLabelValues(string(daemon.Direction), code).Inc()
		},
	}
	return nil
}

// HandleConnection converses in SMTP over clientConn, applies the policy
// engine once DATA completes, and reinjects what it allows, then closes the
// connection.
func (daemon *Daemon) HandleConnection(clientConn net.Conn) {
	defer clientConn.Close()
	clientIP := "unknown"
	if tcpAddr, ok := clientConn.RemoteAddr().(*net.TCPAddr); ok {
		clientIP = tcpAddr.IP.String()
	}
	metrics.Connections.WithLabelValues(string(daemon.Direction)).Inc()

	transcript := lalog.NewByteLogWriter(io.Discard, transcriptBytes)
	conn := smtp.NewConn(&transcriptConn{Conn: clientConn, transcript: transcript}, daemon.smtpConfig)
	conn.Greet()

	var mailFrom string
	var rcptTo []string

	for {
		ev := conn.Next()
		switch ev.What {
		case smtp.DONE:
			return
		case smtp.ABORT:
			daemon.Logger.Info(clientIP, nil, "connection aborted, last input: %q", transcript.Retrieve(true))
			return
		case smtp.COMMAND:
			switch ev.Cmd {
			case smtp.MAILFROM:
				from, ok := addr.Extract(ev.Arg)
				if !ok {
					conn.Reject("500 Invalid address")
					continue
				}
				if daemon.Direction == Outgoing {
					if err := daemon.outgoingPolicy.CheckMailFrom(from); err != nil {
						// A MAIL FROM denial ends the session.
						daemon.replyDenied(conn, err, clientIP)
						return
					}
				}
				mailFrom = from
				rcptTo = nil
				conn.Accept()
			case smtp.RCPTTO:
				to, ok := addr.Extract(ev.Arg)
				if !ok {
					conn.Reject("500 Invalid address")
					continue
				}
				rcptTo = append(rcptTo, to)
				conn.Accept()
			case smtp.RSET:
				mailFrom = ""
				rcptTo = nil
				conn.Accept()
			default:
				conn.Accept()
			}
		case smtp.GOTDATA:
			env := &policy.Envelope{MailFrom: mailFrom, RcptTo: rcptTo, Data: []byte(ev.Arg)}
			daemon.finishData(conn, env, clientIP)
			mailFrom = ""
			rcptTo = nil
		}
	}
}

// finishData runs the policy engine's check_data over the completed
// envelope, and on acceptance reinjects it into the local MTA, translating
// whatever happens into the single reply line the client sees.
func (daemon *Daemon) finishData(conn *smtp.Conn, env *policy.Envelope, clientIP string) {
	var checkErr error
	if daemon.Direction == Incoming {
		checkErr = daemon.incomingPolicy.CheckData(env)
	} else {
		checkErr = daemon.outgoingPolicy.CheckData(env)
	}
	if checkErr != nil {
		daemon.replyDenied(conn, checkErr, clientIP)
		return
	}

	started := time.Now()
	sendErr := daemon.reinject.Send(env.MailFrom, env.RcptTo, env.Data)
	metrics.ReinjectionDuration.WithLabelValues(string(daemon.Direction)).Observe(time.Since(started).Seconds())
	if sendErr != nil {
		if sendError, ok := sendErr.(*smtpclient.SendError); ok {
			// Propagate the local MTA's own rejection back to the true
			// originator unaltered.
			conn.Reject(strings.TrimRight(sendError.RawAnswer, "\r\n"))
			metrics.PolicyDecisions.WithLabelValues(string(daemon.Direction), "denied", "mta_reject").Inc()
			return
		}
		conn.Reject("451 Temporary failure reinjecting mail")
		daemon.Logger.Warning(clientIP, sendErr, "reinjection failed")
		return
	}
	conn.Reject("250 OK")
	metrics.PolicyDecisions.WithLabelValues(string(daemon.Direction), "accepted", "ok").Inc()
}

// replyDenied turns a policy error into the wire reply it names, falling
// back to a generic temporary failure for anything that is not a
// *policy.DeniedError (a bug, not a policy outcome).
func (daemon *Daemon) replyDenied(conn *smtp.Conn, err error, clientIP string) {
	if denied, ok := err.(*policy.DeniedError); ok {
		conn.Reject(fmt.Sprintf("%d %s", denied.Code, denied.Message))
		reason := "other"
		switch denied.Code {
		case 450:
			reason = "ratelimit"
			metrics.RateLimitDenials.WithLabelValues(string(daemon.Direction)).Inc()
		case 523:
			reason = "cleartext"
		case 500:
			reason = "malformed"
		}
		metrics.PolicyDecisions.WithLabelValues(string(daemon.Direction), "denied", reason).Inc()
		daemon.Logger.Info(clientIP, nil, "denied: %s", denied.Message)
		return
	}
	conn.Reject("451 Temporary internal error")
	daemon.Logger.Warning(clientIP, err, "policy check failed unexpectedly")
}

// StartAndBlock listens on Address:Port and serves connections until the
// listener is closed by Stop; a failed accept is logged and the loop goes on.
// It returns an error only if the listener cannot be opened. Call Initialise
// first.
func (daemon *Daemon) StartAndBlock() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", daemon.Address, daemon.Port))
	if err != nil {
		return fmt.Errorf("filtermaild.StartAndBlock: failed to listen on %s:%d - %v", daemon.Address, daemon.Port, err)
	}
	daemon.Listener = listener
	daemon.Logger.Info("", nil, "listening for %s connections on %s:%d", daemon.Direction, daemon.Address, daemon.Port)
	for {
		clientConn, err := listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			daemon.Logger.Warning("", err, "failed to accept connection")
			continue
		}
		go daemon.HandleConnection(clientConn)
	}
}

// Stop closes the daemon's listener, ending the StartAndBlock loop.
func (daemon *Daemon) Stop() {
	if daemon.Listener != nil {
		if err := daemon.Listener.Close(); err != nil {
			daemon.Logger.Warning("", err, "failed to close listener")
		}
	}
}

// Package smtp implements C7 (the SMTP session state machine) and C8 (the
// server frontend) — spec §4.7/§4.8. The teacher's SMTP listener delegated
// nearly all of RFC 5321 to github.com/emersion/go-smtp; that library is
// exactly what this package exists to replace, so the state machine below is
// hand-written, reusing the teacher's workerpool/manager and controller
// abstractions for everything around the wire protocol itself.
package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/vellum-mail/vellum/internal/config"
	"github.com/vellum-mail/vellum/internal/controller"
	"github.com/vellum-mail/vellum/internal/creds"
	"github.com/vellum-mail/vellum/internal/dnsbl"
	"github.com/vellum-mail/vellum/internal/errs"
	"github.com/vellum-mail/vellum/internal/greylist"
	"github.com/vellum-mail/vellum/internal/inboundauth"
	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/internal/manager"
	"github.com/vellum-mail/vellum/internal/message"
	"github.com/vellum-mail/vellum/internal/models"
	"github.com/vellum-mail/vellum/internal/queue"
	"github.com/vellum-mail/vellum/internal/ratelimit"
)

// errLineTooLong flags an input line over the 998-byte grammar limit
// (spec §4.7). It is not a transport failure: the command loop replies 500
// and keeps the connection open.
var errLineTooLong = errors.New("smtp: line exceeds 998 bytes")

// Timeouts per RFC 5321 §4.5.3.2, as named in spec §4.7.
const (
	BannerTimeout   = 5 * time.Minute
	CommandTimeout  = 5 * time.Minute
	DataLineTimeout = 5 * time.Minute
	DataDotTimeout  = 10 * time.Minute
)

// Deps bundles every component a session consults, constructed once by the
// server frontend (C8) and shared read-only across sessions.
type Deps struct {
	Config       config.Config
	Creds        *creds.Store
	Limiter      *ratelimit.Limiter
	Greylist     *greylist.List
	DNSBL        *dnsbl.Checker
	Messages     *message.Store
	Queue        *queue.Queue
	AuthVerifier *inboundauth.Verifier
	TLSConfig    *tls.Config
	Registry     *controller.SessionRegistry
	// Work, if set, runs ETRN's queue kick-off on the SMTP worker pool instead
	// of blocking the replying session on it (RFC 1985 "250 queuing started"
	// describes kicking off delivery, not waiting for it to finish). Nil is
	// valid: cmdETRN then runs ProcessDomain inline.
	Work *manager.WorkManager
}

var sessionCounter uint64

// Session is one accepted connection's C7 state machine.
type Session struct {
	deps *Deps

	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	id         string
	remoteIP   string
	closeSig   <-chan struct{}

	greeted     bool
	heloName    string
	tlsActive   bool
	authedUser  string
	authFailures int

	txnActive     bool
	reversePath   string
	announcedSize int64
	forwardPaths  []string
}

// NewSession wraps an accepted connection. remoteIP should already have any
// port stripped.
func NewSession(conn net.Conn, remoteIP string, deps *Deps) *Session {
	id := fmt.Sprintf("sess-%d", atomic.AddUint64(&sessionCounter, 1))
	return &Session{
		deps:     deps,
		conn:     conn,
		br:       bufio.NewReader(conn),
		bw:       bufio.NewWriter(conn),
		id:       id,
		remoteIP: remoteIP,
	}
}

// Serve runs the session to completion. Protocol errors get a reply and keep
// the session open; it ends on QUIT, a transport error or timeout, a DNSBL or
// connect rate-limit rejection, too many AUTH failures, or the shutdown
// signal. It always closes conn before returning (spec §5 "an I/O error on
// the socket is fatal to the session but never to the process").
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()

	if s.deps.Registry != nil {
		s.closeSig = s.deps.Registry.Register(s.id)
		defer s.deps.Registry.Delete(s.id)
	}

	if s.deps.Config.EnableDNSBL && s.deps.DNSBL != nil && s.deps.DNSBL.IsBlacklisted(ctx, s.remoteIP) {
		logging.InfoLog("smtp: rejecting %s, listed on a DNSBL", s.remoteIP)
		s.writeErr(errs.ErrDNSBLBlocked)
		return
	}
	if s.deps.Limiter != nil && !s.deps.Limiter.CheckAndIncrement(s.remoteIP) {
		logging.InfoLog("smtp: rejecting %s, connect rate limit exceeded", s.remoteIP)
		s.writeErr(errs.ErrRateLimitedConnect)
		return
	}

	s.setReadDeadline(BannerTimeout)
	if err := writeReply(s.bw, 220, fmt.Sprintf("%s ESMTP ready", s.deps.Config.Hostname)); err != nil {
		return
	}

	for {
		select {
		case <-s.closeSig:
			s.writeErr(errs.ErrShuttingDown)
			return
		default:
		}

		s.setReadDeadline(CommandTimeout)
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				s.writeErr(errs.ErrLineTooLong)
				continue
			}
			if isTimeout(err) {
				s.writeErr(errs.ErrTimeout)
			}
			return
		}

		verb, arg := splitCommand(line)
		if s.dispatch(ctx, verb, arg) {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, verb, arg string) (closeSession bool) {
	switch verb {
	case "HELO":
		return s.cmdHELO(arg)
	case "EHLO":
		return s.cmdEHLO(arg)
	case "STARTTLS":
		return s.cmdSTARTTLS(ctx)
	case "AUTH":
		return s.cmdAUTH(ctx, arg)
	case "MAIL":
		return s.cmdMAIL(arg)
	case "RCPT":
		return s.cmdRCPT(ctx, arg)
	case "DATA":
		return s.cmdDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply(250, "2.0.0 OK")
		return false
	case "NOOP":
		s.reply(250, "2.0.0 OK")
		return false
	case "QUIT":
		s.reply(221, fmt.Sprintf("2.0.0 %s closing connection", s.deps.Config.Hostname))
		return true
	case "VRFY", "EXPN":
		s.reply(252, "2.5.2 Cannot verify user, but will accept message and attempt delivery")
		return false
	case "ETRN":
		return s.cmdETRN(ctx, arg)
	default:
		s.writeErr(errs.ErrSyntax)
		return false
	}
}

func (s *Session) cmdHELO(arg string) bool {
	name := strings.TrimSpace(arg)
	if name == "" {
		s.writeErr(errs.ErrArgSyntax)
		return false
	}
	s.heloName = name
	s.greeted = true
	s.resetTransaction()
	s.reply(250, s.deps.Config.Hostname)
	return false
}

func (s *Session) cmdEHLO(arg string) bool {
	name := strings.TrimSpace(arg)
	if name == "" {
		s.writeErr(errs.ErrArgSyntax)
		return false
	}
	s.heloName = name
	s.greeted = true
	s.resetTransaction()

	lines := []string{
		fmt.Sprintf("%s Hello %s", s.deps.Config.Hostname, name),
		fmt.Sprintf("SIZE %d", s.deps.Config.MaxMessageSize),
		"8BITMIME",
		"PIPELINING",
		"ETRN",
	}
	if s.deps.Config.EnableAuth {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	if s.deps.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if err := writeReply(s.bw, 250, lines...); err != nil {
		return true
	}
	return false
}

func (s *Session) cmdSTARTTLS(ctx context.Context) bool {
	if s.tlsActive {
		s.writeErr(errs.Wrap(errs.ErrBadSequence, errors.New("TLS already active")))
		return false
	}
	if s.deps.TLSConfig == nil {
		if err := writeReply(s.bw, 454, "TLS not available"); err != nil {
			return true
		}
		return false
	}
	if err := writeReply(s.bw, 220, "Ready to start TLS"); err != nil {
		return true
	}

	// Discard pipelined plaintext bytes sitting ahead of the handshake
	// (RFC 3207 §6: a command-injection vector otherwise).
	if n := s.br.Buffered(); n > 0 {
		s.br.Discard(n)
	}

	tlsConn := tls.Server(s.conn, s.deps.TLSConfig)
	hsCtx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		logging.WarnLog("smtp: TLS handshake failed for %s: %v", s.remoteIP, err)
		return true
	}

	s.conn = tlsConn
	s.br = bufio.NewReader(tlsConn)
	s.bw = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.heloName = ""
	s.authedUser = ""
	s.authFailures = 0
	s.greeted = false
	s.resetTransaction()
	return false
}

func (s *Session) cmdAUTH(ctx context.Context, arg string) bool {
	if !s.deps.Config.EnableAuth {
		s.writeErr(errs.ErrSyntax)
		return false
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		s.writeErr(errs.ErrArgSyntax)
		return false
	}
	mechanism := strings.ToUpper(fields[0])
	var initial string
	if len(fields) > 1 {
		initial = fields[1]
	}

	var authedUser string
	var server sasl.Server
	switch mechanism {
	case "PLAIN":
		server = sasl.NewPlainServer(func(_, username, password string) error {
			if !s.deps.Creds.VerifyCredentials(ctx, username, password) {
				return errors.New("invalid credentials")
			}
			authedUser = username
			return nil
		})
	case "LOGIN":
		server = sasl.NewLoginServer(func(username, password string) error {
			if !s.deps.Creds.VerifyCredentials(ctx, username, password) {
				return errors.New("invalid credentials")
			}
			authedUser = username
			return nil
		})
	default:
		s.writeErr(errs.ErrArgSyntax)
		return false
	}

	var response []byte
	if initial != "" {
		decoded, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			s.writeErr(errs.ErrArgSyntax)
			return false
		}
		response = decoded
	}

	closeAfter, err := s.negotiateAuth(server, response)
	if closeAfter {
		return true
	}
	if err != nil {
		return s.authFailed()
	}
	s.authedUser = authedUser
	s.authFailures = 0
	s.reply(235, "2.7.0 Authentication successful")
	return false
}

// negotiateAuth drives a sasl.Server's challenge/response loop over the
// wire, returning the underlying authenticator's error (nil on success).
func (s *Session) negotiateAuth(server sasl.Server, response []byte) (closeSession bool, authErr error) {
	for {
		challenge, done, err := server.Next(response)
		if done {
			return false, err
		}
		encoded := base64.StdEncoding.EncodeToString(challenge)
		if werr := writeReply(s.bw, 334, encoded); werr != nil {
			return true, nil
		}
		s.setReadDeadline(CommandTimeout)
		line, rerr := s.readLine()
		if rerr != nil {
			return true, nil
		}
		if line == "*" {
			return false, errors.New("authentication cancelled")
		}
		decoded, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			return false, derr
		}
		response = decoded
	}
}

func (s *Session) authFailed() bool {
	s.authFailures++
	if s.authFailures >= s.deps.Config.MaxAuthFailures {
		s.writeErr(errs.ErrTooManyAuthFailures)
		return true
	}
	s.writeErr(errs.ErrAuthFailed)
	return false
}

func (s *Session) cmdMAIL(arg string) bool {
	if !s.greeted {
		s.writeErr(errs.ErrBadSequence)
		return false
	}
	if s.deps.Config.EnableAuth && s.authedUser == "" {
		s.writeErr(errs.ErrAuthRequired)
		return false
	}

	addr, size, perr := parseMailFrom(arg)
	if perr != nil {
		s.writeErr(perr)
		return false
	}
	if addr != "" && !isValidAddress(addr) {
		s.writeErr(errs.ErrArgSyntax)
		return false
	}
	if size > 0 && size > s.deps.Config.MaxMessageSize {
		s.writeErr(errs.ErrMessageTooLarge)
		return false
	}

	s.reversePath = addr
	s.announcedSize = size
	s.forwardPaths = nil
	s.txnActive = true
	s.reply(250, "2.1.0 OK")
	return false
}

func (s *Session) cmdRCPT(ctx context.Context, arg string) bool {
	if !s.txnActive {
		s.writeErr(errs.ErrBadSequence)
		return false
	}
	addr, perr := parseRcptTo(arg)
	if perr != nil {
		s.writeErr(perr)
		return false
	}
	if !isValidAddress(addr) {
		s.writeErr(errs.ErrArgSyntax)
		return false
	}

	if s.deps.Config.EnableGreylist && s.deps.Greylist != nil {
		if !s.deps.Greylist.CheckTriplet(ctx, s.remoteIP, s.reversePath, addr) {
			s.writeErr(errs.ErrGreylisted)
			return false
		}
	}
	if s.authedUser != "" && s.deps.Limiter != nil {
		if !s.deps.Limiter.CheckAndIncrementUser(s.authedUser) {
			s.writeErr(errs.ErrRateLimitedUser)
			return false
		}
	}
	if len(s.forwardPaths) >= s.deps.Config.MaxRecipients {
		s.writeErr(errs.ErrTooManyRecipients)
		return false
	}

	s.forwardPaths = append(s.forwardPaths, addr)
	s.reply(250, "2.1.5 OK")
	return false
}

func (s *Session) cmdDATA(ctx context.Context) bool {
	if len(s.forwardPaths) == 0 {
		s.writeErr(errs.ErrBadSequence)
		return false
	}
	if err := writeReply(s.bw, 354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return true
	}

	headers, body, tooLarge, timedOut, err := s.readDataBody()
	if err != nil {
		return true
	}
	if timedOut {
		s.writeErr(errs.ErrTimeout)
		return true
	}
	if tooLarge {
		s.writeErr(errs.ErrMessageTooLarge)
		s.resetTransaction()
		return false
	}

	messageID := generateMessageID(s.deps.Config.Hostname)
	fullMessage := append([]byte(headers), body...)

	var authResults *models.AuthResults
	if s.deps.AuthVerifier != nil {
		r := s.deps.AuthVerifier.Verify(ctx, s.remoteIP, s.reversePath, fullMessage)
		authResults = &r
	}

	var storeErr error
	for _, rcpt := range s.forwardPaths {
		if s.isLocalRecipient(rcpt) {
			if s.deps.Messages != nil {
				if _, err := s.deps.Messages.Store(ctx, rcpt, messageID, s.reversePath, s.forwardPaths, subjectFromHeaders(headers), headers, body, authResults); err != nil {
					storeErr = err
					logging.WarnLog("smtp: store failed owner=%s message_id=%s: %v", rcpt, messageID, err)
				}
			}
		} else if s.deps.Queue != nil {
			if _, err := s.deps.Queue.Enqueue(ctx, s.reversePath, rcpt, fullMessage); err != nil {
				storeErr = err
				logging.WarnLog("smtp: enqueue failed to=%s: %v", rcpt, err)
			}
		}
	}

	if storeErr != nil {
		s.writeErr(errs.Wrap(errs.ErrStoreUnavailable, storeErr))
		s.resetTransaction()
		return false
	}

	s.reply(250, fmt.Sprintf("2.0.0 OK queued as %s", messageID))
	s.resetTransaction()
	return false
}

// readDataBody consumes DATA lines until the lone-dot terminator, applying
// leading-dot unstuffing and the max_message_size bound (spec §4.7, §5
// "streams line-by-line through a bounded buffer").
func (s *Session) readDataBody() (headers string, body []byte, tooLarge, timedOut bool, err error) {
	var headerBuf, bodyBuf bytes.Buffer
	inHeaders := true
	var total int64
	dotDeadline := time.Now().Add(DataDotTimeout)

	for {
		if time.Now().After(dotDeadline) {
			return "", nil, false, true, nil
		}
		s.setReadDeadline(DataLineTimeout)
		line, rerr := s.readLine()
		if rerr != nil {
			if isTimeout(rerr) {
				return "", nil, false, true, nil
			}
			if errors.Is(rerr, errLineTooLong) {
				// Line too long mid-message: do not fail the transaction
				// outright; the line is dropped (neither stored nor counted
				// toward the size bound) and reading continues.
				continue
			}
			return "", nil, false, false, rerr
		}

		if line == "." {
			break
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		total += int64(len(line)) + 2
		if total > s.deps.Config.MaxMessageSize {
			s.drainUntilDot()
			return "", nil, true, false, nil
		}

		if inHeaders {
			if line == "" {
				inHeaders = false
				continue
			}
			headerBuf.WriteString(line)
			headerBuf.WriteString("\r\n")
		} else {
			bodyBuf.WriteString(line)
			bodyBuf.WriteString("\r\n")
		}
	}

	return headerBuf.String(), bodyBuf.Bytes(), false, false, nil
}

// drainUntilDot reads and discards lines until the terminator, so a
// too-large message doesn't leave trailing DATA bytes to be misread as
// commands.
func (s *Session) drainUntilDot() {
	for {
		line, err := s.readLine()
		if err != nil {
			return
		}
		if line == "." {
			return
		}
	}
}

func (s *Session) cmdETRN(ctx context.Context, arg string) bool {
	target := strings.TrimSpace(arg)
	if target == "" {
		s.writeErr(errs.ErrArgSyntax)
		return false
	}
	if strings.HasPrefix(target, "#") {
		if err := writeReply(s.bw, 501, "Queue-based ETRN is not supported"); err != nil {
			return true
		}
		return false
	}
	domain := strings.TrimPrefix(target, "@")

	allowed := false
	for _, d := range s.deps.Config.LocalDomains {
		if strings.EqualFold(d, domain) {
			allowed = true
			break
		}
	}
	if !allowed || s.deps.Queue == nil {
		if err := writeReply(s.bw, 459, fmt.Sprintf("%s is not a domain this server relays for", domain)); err != nil {
			return true
		}
		return false
	}

	n, err := s.deps.Queue.PendingCountForDomain(ctx, domain)
	if err != nil {
		s.writeErr(errs.Wrap(errs.ErrStoreUnavailable, err))
		return false
	}
	if n == 0 {
		if err := writeReply(s.bw, 251, fmt.Sprintf("OK, no messages waiting for %s", domain)); err != nil {
			return true
		}
		return false
	}
	processDomain := func(ctx context.Context) {
		if _, err := s.deps.Queue.ProcessDomain(ctx, domain); err != nil {
			logging.WarnLog("smtp: etrn queue processing for %s failed: %v", domain, err)
		}
	}
	if s.deps.Work != nil {
		if err := s.deps.Work.SubmitSMTP(processDomain); err != nil {
			logging.WarnLog("smtp: etrn submit for %s failed, running inline: %v", domain, err)
			processDomain(ctx)
		}
	} else {
		processDomain(ctx)
	}
	if err := writeReply(s.bw, 250, fmt.Sprintf("OK, queuing for %s started (%d messages)", domain, n)); err != nil {
		return true
	}
	return false
}

func (s *Session) isLocalRecipient(addr string) bool {
	_, domain := splitAddress(addr)
	for _, d := range s.deps.Config.LocalDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func (s *Session) resetTransaction() {
	s.txnActive = false
	s.reversePath = ""
	s.announcedSize = 0
	s.forwardPaths = nil
}

func (s *Session) reply(code int, text string) {
	_ = writeReply(s.bw, code, text)
}

func (s *Session) writeErr(e *errs.SMTPError) {
	_ = writeErr(s.bw, e)
}

func (s *Session) setReadDeadline(d time.Duration) {
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
}

// readLine reads one CRLF- or bare-LF-terminated line, stripped of its
// terminator. Lines over 998 bytes (RFC 5321 §4.5.3.1.6) are reported via
// errLineTooLong without discarding the connection.
func (s *Session) readLine() (string, error) {
	raw, err := s.br.ReadString('\n')
	if err != nil && raw == "" {
		return "", err
	}
	if err != nil {
		// Bytes arrived but the connection ended before a newline: fatal.
		return "", err
	}
	if len(raw) > 1000 {
		return "", errLineTooLong
	}
	line := strings.TrimSuffix(raw, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func splitCommand(line string) (verb, arg string) {
	line = strings.TrimSpace(line)
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:idx]), strings.TrimSpace(line[idx+1:])
}

func subjectFromHeaders(headers string) string {
	for _, line := range strings.Split(headers, "\r\n") {
		if len(line) >= 8 && strings.EqualFold(line[:8], "subject:") {
			return strings.TrimSpace(line[8:])
		}
	}
	return ""
}

func generateMessageID(hostname string) string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%x.%d@%s", buf, time.Now().UnixNano(), hostname)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

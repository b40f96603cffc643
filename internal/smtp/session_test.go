package smtp

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vellum-mail/vellum/internal/config"
	"github.com/vellum-mail/vellum/internal/greylist"
	"github.com/vellum-mail/vellum/internal/message"
	"github.com/vellum-mail/vellum/internal/queue"
	"github.com/vellum-mail/vellum/store"
)

// testConn wraps one end of a net.Pipe with a line-oriented client helper.
type testConn struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func newTestConn(t *testing.T, conn net.Conn) *testConn {
	return &testConn{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

// expect reads reply lines until one with the given code and a space
// separator (the final line of a possibly multi-line reply).
func (c *testConn) expect(code int) string {
	c.t.Helper()
	prefix := itoa(code)
	var last string
	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			c.t.Fatalf("timed out waiting for %d reply, last seen: %q", code, last)
		}
		line, err := c.br.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read reply: %v (last %q)", err, last)
		}
		last = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(last, prefix+" ") || strings.HasPrefix(last, prefix+"-") {
			if strings.HasPrefix(last, prefix+" ") {
				return last
			}
			continue
		}
		c.t.Fatalf("expected reply code %d, got %q", code, last)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := "0123456789"
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EnableAuth = false
	cfg.LocalDomains = []string{"example.com"}
	cfg.MaxMessageSize = 1 << 20
	cfg.MaxAuthFailures = 3
	return cfg
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func runSession(t *testing.T, deps *Deps) (*testConn, func()) {
	serverConn, clientConn := net.Pipe()
	sess := NewSession(serverConn, "192.0.2.10", deps)

	done := make(chan struct{})
	go func() {
		sess.Serve(context.Background())
		close(done)
	}()

	tc := newTestConn(t, clientConn)
	cleanup := func() {
		clientConn.Close()
		<-done
	}
	return tc, cleanup
}

func TestHappyPathStoresMessageLocally(t *testing.T) {
	db := testDB(t)
	msgStore := message.New(db)
	deps := &Deps{Config: testConfig(t), Messages: msgStore}

	tc, cleanup := runSession(t, deps)
	defer cleanup()

	tc.expect(220)
	tc.send("EHLO client.example.net")
	tc.expect(250)
	tc.send("MAIL FROM:<alice@example.net>")
	tc.expect(250)
	tc.send("RCPT TO:<bob@example.com>")
	tc.expect(250)
	tc.send("DATA")
	tc.expect(354)
	tc.send("Subject: hello")
	tc.send("")
	tc.send("body line one")
	tc.send(".")
	tc.expect(250)
	tc.send("QUIT")
	tc.expect(221)

	msgs, err := msgStore.List(context.Background(), "bob@example.com", "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(msgs))
	}
	if msgs[0].Sender != "alice@example.net" {
		t.Fatalf("unexpected sender: %s", msgs[0].Sender)
	}
}

func TestEnqueuesRemoteRecipient(t *testing.T) {
	db := testDB(t)
	q := queue.New(db)
	deps := &Deps{Config: testConfig(t), Queue: q}

	tc, cleanup := runSession(t, deps)
	defer cleanup()

	tc.expect(220)
	tc.send("EHLO client.example.net")
	tc.expect(250)
	tc.send("MAIL FROM:<alice@example.net>")
	tc.expect(250)
	tc.send("RCPT TO:<carol@remote.test>")
	tc.expect(250)
	tc.send("DATA")
	tc.expect(354)
	tc.send("Subject: hi")
	tc.send("")
	tc.send("body")
	tc.send(".")
	tc.expect(250)
	tc.send("QUIT")
	tc.expect(221)

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("expected 1 pending queue entry, got %+v", stats)
	}
}

func TestRcptBeforeMailIsBadSequence(t *testing.T) {
	deps := &Deps{Config: testConfig(t)}
	tc, cleanup := runSession(t, deps)
	defer cleanup()

	tc.expect(220)
	tc.send("EHLO client.example.net")
	tc.expect(250)
	tc.send("RCPT TO:<bob@example.com>")
	tc.expect(503)
	tc.send("QUIT")
	tc.expect(221)
}

func TestDataBeforeRcptIsBadSequence(t *testing.T) {
	deps := &Deps{Config: testConfig(t)}
	tc, cleanup := runSession(t, deps)
	defer cleanup()

	tc.expect(220)
	tc.send("EHLO client.example.net")
	tc.expect(250)
	tc.send("MAIL FROM:<alice@example.net>")
	tc.expect(250)
	tc.send("DATA")
	tc.expect(503)
	tc.send("QUIT")
	tc.expect(221)
}

func TestGreylistDefersFirstAttempt(t *testing.T) {
	db := testDB(t)
	gl, err := greylist.New(context.Background(), db, greylist.DefaultConfig())
	if err != nil {
		t.Fatalf("new greylist: %v", err)
	}
	cfg := testConfig(t)
	cfg.EnableGreylist = true
	deps := &Deps{Config: cfg, Greylist: gl}

	tc, cleanup := runSession(t, deps)
	defer cleanup()

	tc.expect(220)
	tc.send("EHLO client.example.net")
	tc.expect(250)
	tc.send("MAIL FROM:<alice@example.net>")
	tc.expect(250)
	tc.send("RCPT TO:<bob@example.com>")
	tc.expect(450)
	tc.send("QUIT")
	tc.expect(221)
}

func TestUnknownCommandIsSyntaxError(t *testing.T) {
	deps := &Deps{Config: testConfig(t)}
	tc, cleanup := runSession(t, deps)
	defer cleanup()

	tc.expect(220)
	tc.send("BOGUS")
	tc.expect(500)
	tc.send("QUIT")
	tc.expect(221)
}

func TestRsetClearsTransaction(t *testing.T) {
	deps := &Deps{Config: testConfig(t)}
	tc, cleanup := runSession(t, deps)
	defer cleanup()

	tc.expect(220)
	tc.send("EHLO client.example.net")
	tc.expect(250)
	tc.send("MAIL FROM:<alice@example.net>")
	tc.expect(250)
	tc.send("RSET")
	tc.expect(250)
	tc.send("RCPT TO:<bob@example.com>")
	tc.expect(503)
	tc.send("QUIT")
	tc.expect(221)
}

// Command vellumd runs the mail core: the SMTP/ESMTP listener plus its
// ingress control plane (rate limiting, greylisting, DNSBL, SASL auth,
// durable storage, retry queue).
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vellum-mail/vellum/internal/config"
	"github.com/vellum-mail/vellum/internal/creds"
	"github.com/vellum-mail/vellum/internal/dnsbl"
	"github.com/vellum-mail/vellum/internal/greylist"
	"github.com/vellum-mail/vellum/internal/inboundauth"
	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/internal/manager"
	"github.com/vellum-mail/vellum/internal/message"
	"github.com/vellum-mail/vellum/internal/models"
	"github.com/vellum-mail/vellum/internal/queue"
	"github.com/vellum-mail/vellum/internal/ratelimit"
	"github.com/vellum-mail/vellum/internal/smtp"
	"github.com/vellum-mail/vellum/store"
)

// rateLimitCleanupInterval is how often the limiter sweeps expired buckets;
// a fraction of the configured window keeps memory bounded without
// frequent, wasted sweeps on a long window.
func rateLimitCleanupInterval(windowSeconds int) time.Duration {
	interval := time.Duration(windowSeconds) * time.Second / 4
	if interval < time.Minute {
		return time.Minute
	}
	return interval
}

// deliverBounce stores a non-delivery notification for a queue entry that
// exhausted its retries, addressed back to the original sender (spec §4.6:
// "emits a bounce record to the owner as a new store insert with a special
// sender"). Storage failures here are logged only; a bounce is best-effort.
func deliverBounce(ctx context.Context, messages *message.Store, hostname string, entry models.QueueEntry) {
	sender := "MAILER-DAEMON@" + hostname
	subject := "Undelivered Mail Returned to Sender"
	headers := "From: " + sender + "\r\nTo: " + entry.From + "\r\nSubject: " + subject + "\r\n"
	body := []byte("The message from " + entry.From + " to " + entry.To +
		" could not be delivered after " + strconv.Itoa(entry.Attempts) + " attempts.\r\n\r\n" +
		"Last error: " + entry.ErrorMessage + "\r\n")

	bounceID := "bounce-" + strconv.FormatInt(entry.ID, 10) + "@" + hostname
	if _, err := messages.Store(ctx, entry.From, bounceID, sender, []string{entry.From}, subject, headers, body, nil); err != nil {
		logging.WarnLog("vellumd: failed to store bounce for queue entry %d: %v", entry.ID, err)
	}
}

func main() {
	cfg := config.FromEnv()

	logFile, err := logging.InitLogger("vellumd.log")
	if err != nil {
		panic(err)
	}
	defer logFile.Close()
	defer logging.Sync()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logging.FatalLog("vellumd: opening database: %v", err)
	}
	defer db.Close()

	work := manager.NewWorkManager()
	defer work.Close()

	credStore := creds.NewStore(db, creds.NewPoolHasher(work))
	limiter := ratelimit.New(cfg.RateLimitPerIP, cfg.RateLimitPerUser, cfg.RateWindowSeconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var greylistList *greylist.List
	if cfg.EnableGreylist {
		gl, err := greylist.New(ctx, db, greylist.Config{
			InitialDelay:       cfg.GreylistInitialDelay,
			RetryWindow:        cfg.GreylistRetryWindow,
			AutoWhitelistAfter: cfg.GreylistAutoWhitelistAfter,
		})
		if err != nil {
			logging.FatalLog("vellumd: starting greylist: %v", err)
		}
		greylistList = gl
	}

	var dnsblChecker *dnsbl.Checker
	if cfg.EnableDNSBL {
		dnsblChecker = dnsbl.New(cfg.DNSBLZones, nil)
	}

	messages := message.New(db)

	queueDB := db
	if cfg.QueuePath != "" && cfg.QueuePath != cfg.DBPath {
		qdb, err := store.Open(cfg.QueuePath)
		if err != nil {
			logging.FatalLog("vellumd: opening queue database: %v", err)
		}
		defer qdb.Close()
		queueDB = qdb
	}

	q := queue.New(queueDB, queue.WithBounceFunc(func(ctx context.Context, entry models.QueueEntry) {
		logging.WarnLog("vellumd: message from %s to %s exhausted retries: %s", entry.From, entry.To, entry.ErrorMessage)
		deliverBounce(ctx, messages, cfg.Hostname, entry)
	}))

	authVerifier := inboundauth.New(cfg.Hostname)

	deps := &smtp.Deps{
		Config:       cfg,
		Creds:        credStore,
		Limiter:      limiter,
		Greylist:     greylistList,
		DNSBL:        dnsblChecker,
		Messages:     messages,
		Queue:        q,
		AuthVerifier: authVerifier,
		Work:         work,
	}

	server, err := smtp.NewServer(cfg, deps)
	if err != nil {
		logging.FatalLog("vellumd: building server: %v", err)
	}

	go limiter.RunCleanup(rateLimitCleanupInterval(cfg.RateWindowSeconds), ctx.Done())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logging.InfoLog("vellumd: shutdown signal received")
		server.Stop(cfg.ShutdownGracePeriod)
		cancel()
	}()

	if err := server.Serve(ctx); err != nil {
		logging.FatalLog("vellumd: serve: %v", err)
	}
}

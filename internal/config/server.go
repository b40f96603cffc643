package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of options recognized by the mail core (spec §6).
type Config struct {
	Host     string
	Port     int
	Hostname string

	MaxConnections int
	MaxMessageSize int64
	MaxRecipients  int

	RateLimitPerIP      int
	RateLimitPerUser    int
	RateWindowSeconds   int
	MaxAuthFailures     int
	ShutdownGracePeriod time.Duration

	EnableTLS   bool
	TLSCertPath string
	TLSKeyPath  string

	EnableAuth bool

	// LocalDomains decides which RCPT TO addresses C7 stores locally (via C5)
	// versus enqueues for outbound relay (via C6). Not named explicitly in
	// the external interface list but required by its "local recipient" /
	// "remote recipient" distinction (spec §4.7); defaults to [Hostname].
	LocalDomains []string

	EnableDNSBL bool
	DNSBLZones  []string

	EnableGreylist             bool
	GreylistInitialDelay       time.Duration
	GreylistRetryWindow        time.Duration
	GreylistAutoWhitelistAfter time.Duration

	DBPath    string
	QueuePath string
}

// Default returns the configuration with every spec-mandated default applied.
func Default() Config {
	return Config{
		Host:                       "0.0.0.0",
		Port:                       2525,
		Hostname:                   "localhost",
		MaxConnections:             100,
		MaxMessageSize:             10 << 20,
		MaxRecipients:              100,
		RateLimitPerIP:             100,
		RateLimitPerUser:           200,
		RateWindowSeconds:          3600,
		MaxAuthFailures:            3,
		ShutdownGracePeriod:        30 * time.Second,
		EnableTLS:                  false,
		EnableAuth:                 true,
		LocalDomains:               []string{"localhost"},
		EnableDNSBL:                false,
		DNSBLZones:                 nil,
		EnableGreylist:             false,
		GreylistInitialDelay:       5 * time.Minute,
		GreylistRetryWindow:        time.Hour,
		GreylistAutoWhitelistAfter: 36 * 24 * time.Hour,
		DBPath:                     "vellum.db",
		QueuePath:                  "",
	}
}

// FromEnv overlays environment variables onto the spec defaults.
func FromEnv() Config {
	cfg := Default()

	cfg.Host = GetEnv("VELLUM_HOST", cfg.Host)
	cfg.Port = parseIntEnv("VELLUM_PORT", cfg.Port)
	cfg.Hostname = GetEnv("VELLUM_HOSTNAME", cfg.Hostname)

	cfg.MaxConnections = parseIntEnv("VELLUM_MAX_CONNECTIONS", cfg.MaxConnections)
	if n, err := parseBytes(GetEnv("VELLUM_MAX_MESSAGE_SIZE", "")); err == nil && n > 0 {
		cfg.MaxMessageSize = n
	}
	cfg.MaxRecipients = parseIntEnv("VELLUM_MAX_RECIPIENTS", cfg.MaxRecipients)

	cfg.RateLimitPerIP = parseIntEnv("VELLUM_RATE_LIMIT_PER_IP", cfg.RateLimitPerIP)
	cfg.RateLimitPerUser = parseIntEnv("VELLUM_RATE_LIMIT_PER_USER", cfg.RateLimitPerUser)
	cfg.RateWindowSeconds = parseIntEnv("VELLUM_RATE_WINDOW_SECONDS", cfg.RateWindowSeconds)
	cfg.MaxAuthFailures = parseIntEnv("VELLUM_MAX_AUTH_FAILURES", cfg.MaxAuthFailures)
	cfg.ShutdownGracePeriod = MustParseDuration("VELLUM_SHUTDOWN_GRACE", cfg.ShutdownGracePeriod.String())

	cfg.EnableTLS = parseBoolEnv("VELLUM_ENABLE_TLS", cfg.EnableTLS)
	cfg.TLSCertPath = GetEnv("VELLUM_TLS_CERT_PATH", cfg.TLSCertPath)
	cfg.TLSKeyPath = GetEnv("VELLUM_TLS_KEY_PATH", cfg.TLSKeyPath)

	cfg.EnableAuth = parseBoolEnv("VELLUM_ENABLE_AUTH", cfg.EnableAuth)
	if domains := GetEnv("VELLUM_LOCAL_DOMAINS", ""); domains != "" {
		cfg.LocalDomains = strings.Split(domains, ",")
	} else if cfg.Hostname != "" {
		cfg.LocalDomains = []string{cfg.Hostname}
	}

	cfg.EnableDNSBL = parseBoolEnv("VELLUM_ENABLE_DNSBL", cfg.EnableDNSBL)
	if zones := GetEnv("VELLUM_DNSBL_ZONES", ""); zones != "" {
		cfg.DNSBLZones = strings.Split(zones, ",")
	}

	cfg.EnableGreylist = parseBoolEnv("VELLUM_ENABLE_GREYLIST", cfg.EnableGreylist)
	cfg.GreylistInitialDelay = MustParseDuration("VELLUM_GREYLIST_INITIAL_DELAY", cfg.GreylistInitialDelay.String())
	cfg.GreylistRetryWindow = MustParseDuration("VELLUM_GREYLIST_RETRY_WINDOW", cfg.GreylistRetryWindow.String())
	cfg.GreylistAutoWhitelistAfter = MustParseDuration("VELLUM_GREYLIST_AUTO_WHITELIST_AFTER", cfg.GreylistAutoWhitelistAfter.String())

	cfg.DBPath = GetEnv("VELLUM_DB_PATH", cfg.DBPath)
	cfg.QueuePath = GetEnv("VELLUM_QUEUE_PATH", cfg.QueuePath)

	return cfg
}

// CryptoWorkerCount controls the number of crypto (Argon2id) workers.
func CryptoWorkerCount() int {
	return parseIntEnv("VELLUM_CRYPTO_WORKER_COUNT", 4)
}

// SMTPWorkerCount controls the number of background SMTP-adjacent workers
// (currently: ETRN's queue kick-off, run off the replying session).
func SMTPWorkerCount() int {
	return parseIntEnv("VELLUM_SMTP_WORKER_COUNT", 2)
}

// WorkerQueueSize controls the queue size for each worker pool.
func WorkerQueueSize() int {
	return parseIntEnv("VELLUM_WORKER_QUEUE_SIZE", 1024)
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return def
	}
	return i
}

func parseBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	// If plain number, treat as bytes
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	default:
		mult = 1
	}
	base := strings.TrimSpace(s)
	n, err := strconv.ParseFloat(base, 64)
	if err != nil {
		return 0, err
	}
	return int64(n * float64(mult)), nil
}

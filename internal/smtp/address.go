package smtp

import (
	"strconv"
	"strings"

	"github.com/vellum-mail/vellum/internal/errs"
)

// parsePathParams splits "<addr> PARAM=VALUE PARAM2" into the bracketed
// path and its trailing ESMTP parameters (spec §4.7 MAIL/RCPT grammar).
func parsePathParams(arg string) (path string, params map[string]string) {
	arg = strings.TrimSpace(arg)
	params = make(map[string]string)

	var rest string
	if strings.HasPrefix(arg, "<") {
		if end := strings.IndexByte(arg, '>'); end >= 0 {
			path = arg[1:end]
			rest = strings.TrimSpace(arg[end+1:])
		} else {
			path = strings.TrimPrefix(arg, "<")
		}
	} else {
		fields := strings.Fields(arg)
		if len(fields) > 0 {
			path = fields[0]
			rest = strings.Join(fields[1:], " ")
		}
	}

	for _, field := range strings.Fields(rest) {
		if eq := strings.IndexByte(field, '='); eq >= 0 {
			params[strings.ToUpper(field[:eq])] = field[eq+1:]
		} else {
			params[strings.ToUpper(field)] = ""
		}
	}
	return path, params
}

// parseMailFrom parses "FROM:<addr> [SIZE=n] [BODY=...]" (the verb already
// stripped by the caller; the "FROM:" prefix is checked and stripped here).
func parseMailFrom(arg string) (addr string, size int64, err *errs.SMTPError) {
	arg = strings.TrimSpace(arg)
	lower := strings.ToUpper(arg)
	if !strings.HasPrefix(lower, "FROM:") {
		return "", 0, errs.ErrArgSyntax
	}
	arg = arg[len("FROM:"):]

	path, params := parsePathParams(arg)
	if sizeStr, ok := params["SIZE"]; ok && sizeStr != "" {
		n, perr := strconv.ParseInt(sizeStr, 10, 64)
		if perr != nil || n < 0 {
			return "", 0, errs.ErrArgSyntax
		}
		size = n
	}
	return normalizeAddr(path), size, nil
}

// parseRcptTo parses "TO:<addr>" (the verb already stripped; the "TO:" prefix
// is checked and stripped here).
func parseRcptTo(arg string) (addr string, err *errs.SMTPError) {
	arg = strings.TrimSpace(arg)
	lower := strings.ToUpper(arg)
	if !strings.HasPrefix(lower, "TO:") {
		return "", errs.ErrArgSyntax
	}
	arg = arg[len("TO:"):]

	path, _ := parsePathParams(arg)
	addr = normalizeAddr(path)
	if addr == "" {
		return "", errs.ErrArgSyntax
	}
	return addr, nil
}

func normalizeAddr(addr string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(addr), "<>"))
}

// splitAddress returns an address's local part and domain, lowercased on
// the domain (addresses are case-sensitive in the local part per RFC 5321).
func splitAddress(addr string) (local, domain string) {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[:i], strings.ToLower(addr[i+1:])
	}
	return addr, ""
}

// isValidAddress applies a permissive but non-trivial syntax check: a
// non-empty local part free of grammar-breaking characters, an "@", and a
// non-empty domain (no dot or TLD requirement, so bare hostnames like
// "local" are accepted — spec S1's b@local is a valid recipient). Empty
// (null, bounce) reverse-paths are accepted specially by callers before
// this runs.
func isValidAddress(addr string) bool {
	if addr == "" {
		return false
	}
	local, domain := splitAddress(addr)
	if local == "" || domain == "" {
		return false
	}
	if strings.ContainsAny(local, " \t<>()[]\\,;:\"") {
		return false
	}
	return true
}

// Package inboundauth verifies SPF and DKIM on inbound mail and renders the
// verdicts onto the stored message as an Authentication-Results header
// (spec §4.5 AuthResults). Adapted from the teacher's smtpserver DKIM/SPF
// checkers, which lived alongside the protocol handler; here they are
// independent of C7 so C5 can annotate a message without importing the
// session package.
package inboundauth

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/internal/models"
)

// DKIMResult mirrors the outcomes defined by RFC 8601 §2.7.1.
type DKIMResult int

const (
	DKIMNone DKIMResult = iota
	DKIMPass
	DKIMFail
	DKIMTempError
	DKIMPermError
)

func (r DKIMResult) String() string {
	switch r {
	case DKIMPass:
		return "pass"
	case DKIMFail:
		return "fail"
	case DKIMTempError:
		return "temperror"
	case DKIMPermError:
		return "permerror"
	default:
		return "none"
	}
}

// SPFResult mirrors RFC 7208 §2.6's result codes.
type SPFResult int

const (
	SPFNone SPFResult = iota
	SPFNeutral
	SPFPass
	SPFFail
	SPFSoftFail
	SPFTempError
	SPFPermError
)

func (r SPFResult) String() string {
	switch r {
	case SPFPass:
		return "pass"
	case SPFFail:
		return "fail"
	case SPFSoftFail:
		return "softfail"
	case SPFNeutral:
		return "neutral"
	case SPFTempError:
		return "temperror"
	case SPFPermError:
		return "permerror"
	default:
		return "none"
	}
}

// Verifier checks inbound mail's SPF and DKIM posture.
type Verifier struct {
	hostname string
}

// New constructs a Verifier. hostname identifies this server in the
// rendered Authentication-Results header (RFC 8601 §2.2).
func New(hostname string) *Verifier {
	return &Verifier{hostname: hostname}
}

// CheckDKIM verifies every DKIM-Signature header present in messageData (the
// full RFC 5322 message, headers plus body). At least one valid signature is
// enough to pass.
func (v *Verifier) CheckDKIM(ctx context.Context, messageData []byte) (DKIMResult, error) {
	verifications, err := dkim.Verify(bytes.NewReader(messageData))
	if err != nil {
		logging.WarnLog("inboundauth: dkim verify error: %v", err)
		return DKIMTempError, err
	}
	if len(verifications) == 0 {
		return DKIMNone, nil
	}

	var lastErr error
	for _, ver := range verifications {
		if ver.Err == nil {
			logging.DebugLog("inboundauth: dkim pass domain=%s", ver.Domain)
			return DKIMPass, nil
		}
		lastErr = ver.Err
		logging.DebugLog("inboundauth: dkim fail domain=%s: %v", ver.Domain, ver.Err)
	}
	return DKIMFail, lastErr
}

// CheckSPF validates senderIP is authorized to send for senderEmail's domain.
func (v *Verifier) CheckSPF(ctx context.Context, senderIP, senderEmail string) (SPFResult, error) {
	ip := net.ParseIP(senderIP)
	if ip == nil {
		logging.DebugLog("inboundauth: invalid sender IP %q", senderIP)
		return SPFNone, nil
	}

	result, err := spf.CheckHostWithSender(ip, senderEmail, senderEmail)
	var mapped SPFResult
	switch result {
	case spf.Pass:
		mapped = SPFPass
	case spf.Fail:
		mapped = SPFFail
	case spf.SoftFail:
		mapped = SPFSoftFail
	case spf.Neutral:
		mapped = SPFNeutral
	case spf.TempError:
		mapped = SPFTempError
	case spf.PermError:
		mapped = SPFPermError
	default:
		mapped = SPFNone
	}
	if err != nil {
		logging.WarnLog("inboundauth: spf error sender=%s ip=%s: %v", senderEmail, senderIP, err)
		return mapped, err
	}
	logging.DebugLog("inboundauth: spf result=%s sender=%s ip=%s", mapped, senderEmail, senderIP)
	return mapped, nil
}

// Verify runs both checks and returns the results for storage (spec §4.5
// AuthResults). Errors from either check are non-fatal and never abort the
// transaction: the result each check returned alongside its error is kept
// (temperror when the DKIM verifier itself errors, fail for a bad DKIM
// signature, the mapped SPF result for an SPF error).
func (v *Verifier) Verify(ctx context.Context, senderIP, senderEmail string, messageData []byte) models.AuthResults {
	spfResult, _ := v.CheckSPF(ctx, senderIP, senderEmail)
	dkimResult, _ := v.CheckDKIM(ctx, messageData)
	return models.AuthResults{AuthServID: v.hostname, SPF: spfResult.String(), DKIM: dkimResult.String()}
}

// Header renders an RFC 8601 Authentication-Results header line (without
// trailing CRLF) for prepending to a stored message. It is a plain function,
// not a Verifier method, so callers that only hold a models.AuthResults (the
// message store, after C7 already ran Verify) can render it without needing
// a Verifier instance of their own.
func Header(r models.AuthResults) string {
	return fmt.Sprintf("Authentication-Results: %s; spf=%s; dkim=%s", r.AuthServID, r.SPF, r.DKIM)
}

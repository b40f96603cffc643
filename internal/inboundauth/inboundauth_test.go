package inboundauth

import (
	"context"
	"strings"
	"testing"
)

func TestCheckDKIMNoSignatureIsNone(t *testing.T) {
	v := New("mx.example.com")
	msg := []byte("From: a@x\r\nTo: b@y\r\nSubject: hi\r\n\r\nbody\r\n")

	result, err := v.CheckDKIM(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != DKIMNone {
		t.Fatalf("expected DKIMNone for unsigned message, got %v", result)
	}
}

func TestCheckSPFInvalidIPIsNone(t *testing.T) {
	v := New("mx.example.com")
	result, err := v.CheckSPF(context.Background(), "not-an-ip", "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != SPFNone {
		t.Fatalf("expected SPFNone for invalid IP, got %v", result)
	}
}

func TestHeaderRendersBothVerdicts(t *testing.T) {
	v := New("mx.example.com")
	h := Header(v.Verify(context.Background(), "not-an-ip", "a@example.com", []byte("From: a@x\r\n\r\nbody")))
	if !strings.Contains(h, "mx.example.com") || !strings.Contains(h, "spf=none") || !strings.Contains(h, "dkim=none") {
		t.Fatalf("unexpected header: %s", h)
	}
}

func TestResultStringers(t *testing.T) {
	if DKIMPass.String() != "pass" || DKIMFail.String() != "fail" {
		t.Fatal("unexpected DKIMResult stringer output")
	}
	if SPFSoftFail.String() != "softfail" || SPFPermError.String() != "permerror" {
		t.Fatal("unexpected SPFResult stringer output")
	}
}

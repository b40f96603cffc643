package creds

import (
	"context"
	"testing"
)

type inlineSubmitter struct{}

func (inlineSubmitter) SubmitCrypto(fn func(ctx context.Context)) error {
	fn(context.Background())
	return nil
}

func TestPoolHasherHashAndVerify(t *testing.T) {
	h := NewPoolHasher(inlineSubmitter{})
	ctx := context.Background()

	encoded, err := h.Hash(ctx, "hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	ok, err := h.Verify(ctx, encoded, "hunter2")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected verify to succeed for correct password")
	}

	ok, err = h.Verify(ctx, encoded, "wrong")
	if err != nil {
		t.Fatalf("verify wrong: %v", err)
	}
	if ok {
		t.Fatal("expected verify to fail for wrong password")
	}
}

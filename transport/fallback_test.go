package transport

import (
	"context"
	"testing"
	"time"
)

func TestFallbackPeerSendRecvTagged(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b, closeFn, err := DialFallbackPair(ctx)
	if err != nil {
		t.Fatalf("DialFallbackPair failed: %v", err)
	}
	defer closeFn()

	payload := []byte("stf-announce")
	if err := a.SendTagged(ctx, 0, 7, payload); err != nil {
		t.Fatalf("SendTagged failed: %v", err)
	}

	buf := make([]byte, len(payload))
	msg, err := b.RecvTagged(ctx, 7, buf)
	if err != nil {
		t.Fatalf("RecvTagged failed: %v", err)
	}
	if string(msg.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", msg.Payload, payload)
	}
	if msg.Tag != 7 {
		t.Fatalf("unexpected tag: got %d want 7", msg.Tag)
	}
}

func TestFallbackPeerRMAGet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b, closeFn, err := DialFallbackPair(ctx)
	if err != nil {
		t.Fatalf("DialFallbackPair failed: %v", err)
	}
	defer closeFn()

	source := []byte("tf-fragment-payload-bytes")
	key := b.PublishBytes(source)

	local := make([]byte, len(source))
	future := a.RMAGet(ctx, 0, local, 0, key)
	n, err := future.Await(ctx)
	if err != nil {
		t.Fatalf("RMAGet await failed: %v", err)
	}
	if n != len(source) {
		t.Fatalf("unexpected length: got %d want %d", n, len(source))
	}
	if string(local) != string(source) {
		t.Fatalf("payload mismatch: got %q want %q", local, source)
	}
}

func TestFallbackPeerRMAGetNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b, closeFn, err := DialFallbackPair(ctx)
	if err != nil {
		t.Fatalf("DialFallbackPair failed: %v", err)
	}
	defer closeFn()
	_ = b

	local := make([]byte, 4)
	future := a.RMAGet(ctx, 0, local, 0, 999)
	_, err = future.Await(ctx)
	if err == nil {
		t.Fatal("expected error for unpublished key")
	}
}

func TestFallbackPeerRMAGetPartialOffset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, b, closeFn, err := DialFallbackPair(ctx)
	if err != nil {
		t.Fatalf("DialFallbackPair failed: %v", err)
	}
	defer closeFn()

	source := []byte("0123456789")
	key := b.PublishBytes(source)

	local := make([]byte, 4)
	future := a.RMAGet(ctx, 0, local, 6, key)
	n, err := future.Await(ctx)
	if err != nil {
		t.Fatalf("RMAGet await failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("unexpected length: got %d want 4", n)
	}
	if string(local) != "6789" {
		t.Fatalf("payload mismatch: got %q want %q", local, "6789")
	}
}

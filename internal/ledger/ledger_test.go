package ledger

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"synthetic-data-orchestrator/internal/schema"
)

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := schema.Row{"email": "x@example.com", "name": "X", "age": int64(30)}
	b := schema.Row{"age": int64(30), "name": "X", "email": "x@example.com"}

	if Fingerprint(a, nil) != Fingerprint(b, nil) {
		t.Fatal("fingerprint must not depend on map iteration order")
	}
}

func TestFingerprintUniquenessFields(t *testing.T) {
	a := schema.Row{"email": "x@example.com", "name": "X"}
	b := schema.Row{"email": "x@example.com", "name": "Completely Different"}

	if Fingerprint(a, []string{"email"}) != Fingerprint(b, []string{"email"}) {
		t.Fatal("rows equal on uniqueness fields must collide")
	}
	if Fingerprint(a, nil) == Fingerprint(b, nil) {
		t.Fatal("whole-row fingerprints must differ")
	}
}

func TestFingerprintDistinguishesTypes(t *testing.T) {
	a := schema.Row{"v": "1"}
	b := schema.Row{"v": int64(1)}
	if Fingerprint(a, nil) == Fingerprint(b, nil) {
		t.Fatal("string and integer values must not collide")
	}
}

func TestRedisLedgerInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLedger(client)

	inserted, err := l.InsertIfAbsent(ctx, "job:1", "fp-a")
	if err != nil || !inserted {
		t.Fatalf("expected first insert, got inserted=%v err=%v", inserted, err)
	}
	inserted, err = l.InsertIfAbsent(ctx, "job:1", "fp-a")
	if err != nil || inserted {
		t.Fatalf("expected duplicate rejection, got inserted=%v err=%v", inserted, err)
	}

	// Scopes are isolated.
	inserted, err = l.InsertIfAbsent(ctx, "job:2", "fp-a")
	if err != nil || !inserted {
		t.Fatalf("expected insert in different scope, got inserted=%v err=%v", inserted, err)
	}

	count, err := l.Count(ctx, "job:1")
	if err != nil || count != 1 {
		t.Fatalf("expected count 1, got %d err=%v", count, err)
	}

	if err := l.Drop(ctx, "job:1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	inserted, _ = l.InsertIfAbsent(ctx, "job:1", "fp-a")
	if !inserted {
		t.Fatal("expected insert after drop")
	}
}

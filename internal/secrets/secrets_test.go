package secrets

import (
	"context"
	"reflect"
	"testing"
)

func strp(s string) *string { return &s }

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	sealer, err := NewEphemeralSealer()
	if err != nil {
		t.Fatalf("NewEphemeralSealer: %v", err)
	}
	store := NewMemoryStore()
	return NewService(store, sealer, nil), store
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewEphemeralSealer()
	if err != nil {
		t.Fatalf("NewEphemeralSealer: %v", err)
	}
	ct, err := s.Seal([]byte("sk-live-123"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if ct == "sk-live-123" {
		t.Fatal("ciphertext must differ from plaintext")
	}
	pt, err := s.Open(ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(pt) != "sk-live-123" {
		t.Errorf("got %q", pt)
	}

	other, _ := NewEphemeralSealer()
	if _, err := other.Open(ct); err == nil {
		t.Error("a different identity must not open the value")
	}
}

func TestNewSealer_ParsesIdentity(t *testing.T) {
	if _, err := NewSealer("not-a-key"); err == nil {
		t.Error("expected parse error")
	}
}

func TestConnect_SetAndRemove(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	res, err := svc.Connect(ctx, "u1", "r1", map[string]*string{"API_KEY": strp("abc"), "REGION": strp("eu")})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !reflect.DeepEqual(res.Set, []string{"API_KEY", "REGION"}) {
		t.Errorf("unexpected set %v", res.Set)
	}
	sealed, _ := store.Sealed(ctx, "u1", "r1")
	if sealed["API_KEY"] == "abc" {
		t.Error("values must be stored sealed")
	}

	res, err = svc.Connect(ctx, "u1", "r1", map[string]*string{"REGION": nil, "NEVER_SET": nil})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !reflect.DeepEqual(res.Removed, []string{"REGION"}) {
		t.Errorf("unexpected removed %v", res.Removed)
	}

	keys, err := svc.ConnectedKeys(ctx, "u1", []string{"r1", "r2"})
	if err != nil {
		t.Fatalf("ConnectedKeys: %v", err)
	}
	if !reflect.DeepEqual(keys, map[string][]string{"r1": {"API_KEY"}}) {
		t.Errorf("unexpected keys %v", keys)
	}

	plain, err := svc.Open(ctx, "u1", "r1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if plain["API_KEY"] != "abc" {
		t.Errorf("unexpected plaintext %v", plain)
	}
}

func TestOpen_SkipsUndecryptable(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Connect(ctx, "u1", "r1", map[string]*string{"GOOD": strp("1")}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = store.Put(ctx, "u1", "r1", "BAD", "!!not-base64!!")

	plain, err := svc.Open(ctx, "u1", "r1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(plain) != 1 || plain["GOOD"] != "1" {
		t.Errorf("unexpected plaintext %v", plain)
	}
}

func TestMissing(t *testing.T) {
	got := Missing([]string{"A", "B", "C"}, []string{"B"})
	if !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Errorf("got %v", got)
	}
	if Missing(nil, []string{"B"}) != nil {
		t.Error("no required keys means nothing missing")
	}
}

package keystore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/meshwire/meshcore/internal/identity"
)

func TestSaveLoadRoundTrip_Encrypted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ks")
	ks, err := New(dir, "correct horse battery staple")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	want := []byte("super secret identity material")
	if err := ks.Save("identity/long_term", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := ks.Load("identity/long_term")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestLoad_MissingReturnsErrNotFound(t *testing.T) {
	ks, err := New(t.TempDir(), "pw")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = ks.Load("does/not/exist")
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad_WrongPassphraseFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ks")
	ks, _ := New(dir, "right passphrase")
	if err := ks.Save("k", []byte("data")); err != nil {
		t.Fatalf("save: %v", err)
	}

	other, _ := New(dir, "wrong passphrase")
	_, err := other.Load("k")
	if !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("expected ErrInvalidPassphrase, got %v", err)
	}
}

func TestDelete_IsIdempotent(t *testing.T) {
	ks, _ := New(t.TempDir(), "pw")
	if err := ks.Save("a", []byte("1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := ks.Delete("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ks.Delete("a"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if _, err := ks.Load("a"); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestList_ReturnsAllNames(t *testing.T) {
	ks, _ := New(t.TempDir(), "pw")
	names := []string{"identity/long_term", "session/peer-abc123", "misc/note"}
	for _, n := range names {
		if err := ks.Save(n, []byte(n)); err != nil {
			t.Fatalf("save %s: %v", n, err)
		}
	}

	got, err := ks.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(names) {
		t.Fatalf("expected %d entries, got %d (%v)", len(names), len(got), got)
	}
}

func TestNew_EmptyPassphraseStoresPlaintext(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ks")
	ks, _ := New(dir, "")
	if err := ks.Save("k", []byte("plain")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := ks.Load("k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "plain" {
		t.Fatalf("expected plain roundtrip, got %q", got)
	}
}

package backup

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"peerchat/internal/store"
)

func sampleSnapshot() store.Snapshot {
	return store.Snapshot{
		Messages: []store.Message{
			{ID: 1, ConversationKey: "bob", From: "alice", To: "bob", Content: "hi", Timestamp: "2026-08-30T10:00:00Z", Status: store.StatusSent},
			{ID: 2, ConversationKey: "bob", From: "bob", To: "alice", Content: "hello", Timestamp: "2026-08-30T10:00:05Z", Status: store.StatusReceived},
		},
		Contacts: []store.Contact{
			{Username: "bob", Address: "addr-b", LastSeen: "2026-08-30T10:00:05Z"},
		},
		Settings:   []store.Setting{{Key: "username", Value: "alice"}},
		ExportDate: "2026-08-30T11:00:00Z",
	}
}

func TestPlainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.pcbk")
	want := sampleSnapshot()
	if err := Write(path, want, ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(path, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSealedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealed.pcbk")
	want := sampleSnapshot()
	if err := Write(path, want, "hunter2"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(path, "hunter2")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSealedRequiresPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealed.pcbk")
	if err := Write(path, sampleSnapshot(), "hunter2"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path, ""); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
	if _, err := Read(path, "wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("expected ErrBadPassphrase, got %v", err)
	}
}

func TestPlainIgnoresPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.pcbk")
	if err := Write(path, sampleSnapshot(), ""); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path, "whatever"); err != nil {
		t.Fatalf("plain backup should read regardless of passphrase: %v", err)
	}
}

func TestRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(path, []byte("definitely not a backup"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path, ""); !errors.Is(err, ErrNotBackup) {
		t.Fatalf("expected ErrNotBackup, got %v", err)
	}
}

func TestTamperedSealDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealed.pcbk")
	if err := Write(path, sampleSnapshot(), "hunter2"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := Read(path, "hunter2"); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("expected ErrBadPassphrase on tamper, got %v", err)
	}
}

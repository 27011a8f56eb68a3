package rpc

import (
	"testing"

	"github.com/meshwire/meshcore/internal/engine"
	"github.com/meshwire/meshcore/internal/transfer"
	"github.com/meshwire/meshcore/internal/wire"
)

func TestParseTransferIDRoundTrips(t *testing.T) {
	valid := "ab0000000000000000000000000000cd"[:32]
	if len(valid) != 32 {
		t.Fatalf("test setup: want a 32-char hex literal, got %d chars", len(valid))
	}
	id, err := parseTransferID(valid)
	if err != nil {
		t.Fatalf("parseTransferID(%q): %v", valid, err)
	}
	if id[0] != 0xab {
		t.Errorf("id[0] = %x, want ab", id[0])
	}
}

func TestParseTransferIDRejectsWrongLength(t *testing.T) {
	// 34 hex chars = 17 bytes, one too many for a transfer.ID.
	if _, err := parseTransferID("ab0000000000000000000000000000cdff"); err != errInvalidTransferID {
		t.Errorf("expected errInvalidTransferID for a 17-byte hex string, got %v", err)
	}
}

func TestParseTransferIDRejectsNonHex(t *testing.T) {
	if _, err := parseTransferID("not-hex-at-all-not-hex-at-all-z"); err != errInvalidTransferID {
		t.Errorf("expected errInvalidTransferID for non-hex input, got %v", err)
	}
}

func TestParsePriorityDefaultsToNormal(t *testing.T) {
	cases := map[string]wire.Priority{
		"low":    wire.PriorityLow,
		"HIGH":   wire.PriorityHigh,
		"Urgent": wire.PriorityUrgent,
		"":       wire.PriorityNormal,
		"bogus":  wire.PriorityNormal,
	}
	for in, want := range cases {
		if got := parsePriority(in); got != want {
			t.Errorf("parsePriority(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileNameOfStripsEitherSeparator(t *testing.T) {
	cases := map[string]string{
		"/home/user/report.pdf":  "report.pdf",
		`C:\Users\me\report.pdf`: "report.pdf",
		"bare.txt":               "bare.txt",
	}
	for in, want := range cases {
		if got := fileNameOf(in); got != want {
			t.Errorf("fileNameOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToEventJSONOmitsZeroIDs(t *testing.T) {
	ev := engine.Event{Kind: engine.EventPeerDiscovered}
	out := toEventJSON(ev)
	if out.TransferID != "" {
		t.Errorf("TransferID = %q, want empty for a zero transfer.ID", out.TransferID)
	}
	if out.PeerID != "" {
		t.Errorf("PeerID = %q, want empty for a zero wire.PeerID", out.PeerID)
	}
	if out.Kind != "PeerDiscovered" {
		t.Errorf("Kind = %q, want PeerDiscovered", out.Kind)
	}
}

func TestToEventJSONEncodesNonZeroTransferID(t *testing.T) {
	var id transfer.ID
	id[0] = 0xAB
	ev := engine.Event{Kind: engine.EventTransferCompleted, TransferID: id, SinkURL: "/tmp/x"}
	out := toEventJSON(ev)
	if out.TransferID == "" {
		t.Fatal("expected a non-empty hex transfer_id for a non-zero transfer.ID")
	}
	if out.SinkURL != "/tmp/x" {
		t.Errorf("SinkURL = %q, want /tmp/x", out.SinkURL)
	}
}

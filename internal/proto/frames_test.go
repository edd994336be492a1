package proto

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChatFrameRoundTrip(t *testing.T) {
	ts := time.Now().UTC().Format(time.RFC3339)
	in := ChatFrame{
		From:      "alice",
		Content:   "hi bob",
		Timestamp: ts,
		Attachment: &Attachment{
			Name:      "photo.png",
			MimeType:  "image/png",
			SizeBytes: 3,
			Payload:   "data:image/png;base64,AAAA",
		},
	}
	data, err := EncodeChatFrame(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	out, ok := f.(ChatFrame)
	if !ok {
		t.Fatalf("expected ChatFrame, got %T", f)
	}
	if out.From != in.From || out.Content != in.Content || out.Timestamp != in.Timestamp {
		t.Fatalf("frame fields changed: %+v", out)
	}
	if out.Attachment == nil {
		t.Fatalf("attachment lost")
	}
	if out.Attachment.Name != "photo.png" || out.Attachment.MimeType != "image/png" || out.Attachment.SizeBytes != 3 {
		t.Fatalf("attachment metadata changed: %+v", out.Attachment)
	}
}

func TestIntroductionRoundTrip(t *testing.T) {
	data, err := EncodeIntroduction(Introduction{Username: "alice", Address: "addr-a"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	intro, ok := f.(Introduction)
	if !ok {
		t.Fatalf("expected Introduction, got %T", f)
	}
	if intro.Username != "alice" || intro.Address != "addr-a" {
		t.Fatalf("introduction fields changed: %+v", intro)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"unknown","x":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMissingFields(t *testing.T) {
	cases := []string{
		`{"type":"introduction","username":"alice"}`,
		`{"type":"introduction","address":"addr-a"}`,
		`{"type":"message","content":"hi"}`,
		`{"type":"message","from":"alice"}`,
		`{"type":"message","from":"alice","timestamp":"2026-01-01T00:00:00Z","attachment":{"mimeType":"image/png"}}`,
	}
	for _, raw := range cases {
		if _, err := Decode([]byte(raw)); !errors.Is(err, ErrBadFrame) {
			t.Fatalf("expected ErrBadFrame for %s, got %v", raw, err)
		}
	}
}

func TestDecodeNotJSON(t *testing.T) {
	if _, err := Decode([]byte("not json")); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestValidateRejectsOversizeAttachment(t *testing.T) {
	f := ChatFrame{
		From:      "alice",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Attachment: &Attachment{
			Name:      "big.bin",
			MimeType:  "application/octet-stream",
			SizeBytes: MaxAttachmentBytes + 1,
			Payload:   "data:application/octet-stream;base64,AAAA",
		},
	}
	if err := f.Validate(); err == nil {
		t.Fatalf("expected oversize attachment to be rejected")
	}
	if _, err := EncodeChatFrame(f); err == nil {
		t.Fatalf("expected encode to apply sender policy")
	}
}

func TestValidateRejectsBadTimestamp(t *testing.T) {
	f := ChatFrame{From: "alice", Timestamp: "yesterday"}
	if err := f.Validate(); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestMaxSizeForType(t *testing.T) {
	if MaxSizeForType(MsgTypeIntroduction) != MaxIntroductionSize {
		t.Fatalf("wrong introduction cap")
	}
	if MaxSizeForType(MsgTypeMessage) != MaxMessageSize {
		t.Fatalf("wrong message cap")
	}
	if MaxSizeForType("bogus") != 0 {
		t.Fatalf("unknown type should have no cap")
	}
}

func TestDecodeEnforcesPerTypeCap(t *testing.T) {
	oversized := `{"type":"introduction","username":"alice","address":"` +
		strings.Repeat("a", MaxIntroductionSize) + `"}`
	if _, err := Decode([]byte(oversized)); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame for oversized introduction, got %v", err)
	}
	small, err := EncodeIntroduction(Introduction{Username: "alice", Address: "addr-a"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := Decode(small); err != nil {
		t.Fatalf("cap rejected a normal introduction: %v", err)
	}
}

func TestDecodeLargeContentSurvives(t *testing.T) {
	content := strings.Repeat("x", 1<<16)
	data, err := EncodeChatFrame(ChatFrame{
		From:      "bob",
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got := f.(ChatFrame).Content; got != content {
		t.Fatalf("content changed, len=%d", len(got))
	}
}

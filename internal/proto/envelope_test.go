package proto

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"message","from":"alice","content":"hi"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestEnvelopeRejectsEmptyAndOversize(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected empty payload rejection")
	}
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected oversize payload rejection")
	}
}

func TestReadFrameRejectsBogusLength(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 'x'})); err == nil {
		t.Fatalf("expected invalid frame size error")
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatalf("expected zero frame size error")
	}
}

func TestWriteFrameReadFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"introduction","username":"bob","address":"addr-b"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

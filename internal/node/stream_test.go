package node

import (
	"bytes"
	"errors"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	payload := []byte(`{"role":"quote-request","id":"abc123"}`)

	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, payload, 1<<20); err != nil {
		t.Fatalf("writeLengthPrefixed: %v", err)
	}

	got, err := readLengthPrefixed(&buf, 1<<20)
	if err != nil {
		t.Fatalf("readLengthPrefixed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("frame changed in round trip: %s", got)
	}
}

func TestFramingEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, nil, 1<<20); err != nil {
		t.Fatalf("writeLengthPrefixed: %v", err)
	}
	got, err := readLengthPrefixed(&buf, 1<<20)
	if err != nil {
		t.Fatalf("readLengthPrefixed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d bytes, want 0", len(got))
	}
}

func TestReadRejectsOversizeFrame(t *testing.T) {
	big := make([]byte, 2048)
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, big, 1<<20); err != nil {
		t.Fatalf("writeLengthPrefixed: %v", err)
	}

	// The cap is enforced from the length prefix, before the body is read.
	_, err := readLengthPrefixed(&buf, 1024)
	if !errors.Is(err, ErrOversizeFrame) {
		t.Errorf("err = %v, want ErrOversizeFrame", err)
	}
}

func TestReadBoundaryAtCap(t *testing.T) {
	const maxFrame = 1024

	// A frame of exactly the cap passes.
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, make([]byte, maxFrame), maxFrame); err != nil {
		t.Fatalf("writeLengthPrefixed at cap: %v", err)
	}
	got, err := readLengthPrefixed(&buf, maxFrame)
	if err != nil {
		t.Fatalf("frame of exactly the cap rejected: %v", err)
	}
	if len(got) != maxFrame {
		t.Errorf("got %d bytes, want %d", len(got), maxFrame)
	}

	// One byte over is rejected.
	buf.Reset()
	if err := writeLengthPrefixed(&buf, make([]byte, maxFrame+1), 1<<20); err != nil {
		t.Fatalf("writeLengthPrefixed: %v", err)
	}
	if _, err := readLengthPrefixed(&buf, maxFrame); !errors.Is(err, ErrOversizeFrame) {
		t.Errorf("err = %v, want ErrOversizeFrame", err)
	}
}

func TestWriteRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	err := writeLengthPrefixed(&buf, make([]byte, 2048), 1024)
	if !errors.Is(err, ErrOversizeFrame) {
		t.Errorf("err = %v, want ErrOversizeFrame", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversize write left %d bytes in buffer", buf.Len())
	}
}

func TestReadTruncatedFrame(t *testing.T) {
	payload := []byte("hello world")
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, payload, 1<<20); err != nil {
		t.Fatalf("writeLengthPrefixed: %v", err)
	}

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	if _, err := readLengthPrefixed(truncated, 1<<20); err == nil {
		t.Error("expected error for truncated frame")
	}
}

package aiproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	if err := WriteMsg(&buf, payload); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	got, err := ReadMsg(&buf)
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestFramingPrefixIsLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMsg(&buf, []byte{0xAA}); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	b := buf.Bytes()
	if binary.LittleEndian.Uint32(b[:4]) != 1 {
		t.Fatalf("prefix = %x, want length 1 little-endian", b[:4])
	}
}

func TestFramingRejectsEmptyPayload(t *testing.T) {
	var fse *ErrFrameSize
	if err := WriteMsg(io.Discard, nil); !errors.As(err, &fse) {
		t.Fatalf("err = %v, want ErrFrameSize", err)
	}
}

func TestFramingAcceptsMaxSize(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxMsgSize)
	payload[0] = 1
	payload[MaxMsgSize-1] = 2
	if err := WriteMsg(&buf, payload); err != nil {
		t.Fatalf("WriteMsg at max: %v", err)
	}
	got, err := ReadMsg(&buf)
	if err != nil {
		t.Fatalf("ReadMsg at max: %v", err)
	}
	if len(got) != MaxMsgSize || got[0] != 1 || got[MaxMsgSize-1] != 2 {
		t.Fatalf("max-size payload corrupted: len=%d", len(got))
	}
}

func TestFramingRejectsOverMax(t *testing.T) {
	var fse *ErrFrameSize
	if err := WriteMsg(io.Discard, make([]byte, MaxMsgSize+1)); !errors.As(err, &fse) {
		t.Fatalf("write err = %v, want ErrFrameSize", err)
	}

	// A length prefix one over the limit must be rejected before any payload
	// read.
	var buf bytes.Buffer
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], MaxMsgSize+1)
	buf.Write(prefix[:])

	if _, err := ReadMsg(&buf); !errors.As(err, &fse) {
		t.Fatalf("read err = %v, want ErrFrameSize", err)
	}
}

func TestFramingMidMessageClose(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMsg(&buf, []byte("abcdef")); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	trunc := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	if _, err := ReadMsg(trunc); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFramingCleanClose(t *testing.T) {
	if _, err := ReadMsg(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

package aiproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Framed message size bounds. A length outside [MinMsgSize, MaxMsgSize] is a
// fatal framing error.
const (
	MinMsgSize = 1
	MaxMsgSize = 50 * 1024 * 1024
)

// ErrFrameSize wraps an out-of-bounds length prefix.
type ErrFrameSize struct {
	Length uint32
}

func (e *ErrFrameSize) Error() string {
	return fmt.Sprintf("aiproto: frame length %d outside [%d, %d]", e.Length, MinMsgSize, MaxMsgSize)
}

// WriteMsg writes one length-prefixed message to w. The prefix is a 4-byte
// little-endian uint32.
func WriteMsg(w io.Writer, payload []byte) error {
	if len(payload) < MinMsgSize || len(payload) > MaxMsgSize {
		return &ErrFrameSize{Length: uint32(len(payload))}
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadMsg reads one length-prefixed message from r. Returns io.EOF on a clean
// close before the prefix, io.ErrUnexpectedEOF on a mid-message close and
// *ErrFrameSize on an out-of-bounds length.
func ReadMsg(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length < MinMsgSize || length > MaxMsgSize {
		return nil, &ErrFrameSize{Length: length}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

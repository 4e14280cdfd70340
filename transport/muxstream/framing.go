// Package muxstream carries routed connections over yamux streams: one
// stream per connection, length-prefixed JSON text frames on the stream.
package muxstream

import (
	"errors"
	"io"

	"github.com/wirefold/wsrouter/internal/bin"
)

// ErrFrameTooLarge rejects frames past the configured read guard.
var ErrFrameTooLarge = errors.New("frame too large")

// DefaultMaxFrameBytes is the read guard applied when none is configured.
// Do not disable the guard on untrusted peers.
const DefaultMaxFrameBytes = 1 << 20

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, frame []byte) error {
	var hdr [4]byte
	bin.PutU32BE(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame with a maximum size guard.
// maxLen<=0 applies DefaultMaxFrameBytes.
func ReadFrame(r io.Reader, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxFrameBytes
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(bin.U32BE(hdr[:]))
	if n < 0 || n > maxLen {
		return nil, ErrFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Package tcpframe carries datagrams over a byte stream using the 2 byte
// length prefix of RFC 4571.
package tcpframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a frame can announce.
const MaxFrameSize = 0xFFFF

// ErrFrameTooLarge is returned for payloads that do not fit the length prefix.
var ErrFrameTooLarge = errors.New("frame exceeds 65535 bytes")

// WriteFrame writes payload prefixed with its length in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame into buf and returns the payload length. A frame
// larger than buf is read completely and cut to len(buf), truncated is then
// true. A stream that ends inside a frame gives io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, buf []byte) (n int, truncated bool, err error) {
	return NewReader(r).ReadFrame(buf)
}

// Reader reads consecutive frames from a stream. A frame that is only partly
// read when the stream returns an error, such as a deadline, is kept and
// completed by the next ReadFrame.
type Reader struct {
	r io.Reader

	prefix [2]byte
	head   int
	body   []byte
	got    int
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame behaves like the package level ReadFrame. After an error it may
// be called again and continues where the stream left off.
func (fr *Reader) ReadFrame(buf []byte) (n int, truncated bool, err error) {
	if fr.head < len(fr.prefix) {
		if err := fill(fr.r, fr.prefix[:], &fr.head); err != nil {
			if fr.head == 0 {
				return 0, false, err
			}
			return 0, false, unexpected(err)
		}

		size := int(binary.BigEndian.Uint16(fr.prefix[:]))
		if cap(fr.body) < size {
			fr.body = make([]byte, size)
		}
		fr.body = fr.body[:size]
		fr.got = 0
	}

	if err := fill(fr.r, fr.body, &fr.got); err != nil {
		return 0, false, unexpected(err)
	}
	fr.head = 0

	n = copy(buf, fr.body)
	return n, n < len(fr.body), nil
}

// fill reads into dst[*have:] until dst is full, recording progress in have.
func fill(r io.Reader, dst []byte, have *int) error {
	for *have < len(dst) {
		n, err := r.Read(dst[*have:])
		*have += n
		if err != nil {
			if *have == len(dst) {
				return nil
			}
			return err
		}
	}
	return nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

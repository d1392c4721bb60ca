// Package buffer implements the token-addressed output buffers through which
// a task streams result pages to downstream consumers.
//
// Consumers pull pages with Get(token), acknowledge what they consumed with
// Acknowledge(token), and finally delete the buffer. Tokens are page
// positions: the first page enqueued into a buffer has token 0.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrBufferNotFound  = errors.New("output buffer not found")
	ErrTokenOutOfRange = errors.New("token out of range")
	ErrCorruptPage     = errors.New("corrupt page frame")
)

// Page is an immutable unit of result data. Data must not be modified once
// the page has been enqueued.
type Page struct {
	Positions int32
	Data      []byte
}

// NewPage returns a page holding a private copy of data.
func NewPage(positions int32, data []byte) Page {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Page{Positions: positions, Data: buf}
}

// SizeInBytes is the size accounted against the task's memory pool.
func (p Page) SizeInBytes() int64 {
	return int64(len(p.Data))
}

// ContentType is the media type of the page stream written by WritePages.
const ContentType = "application/x-oxide-pages"

const frameHeaderSize = 8

// maxFrameSize bounds a single decoded page.
const maxFrameSize = 1 << 30

// WritePages writes pages as frames of [positions uint32][length uint32][data].
func WritePages(w io.Writer, pages []Page) error {
	var hdr [frameHeaderSize]byte
	for _, p := range pages {
		binary.BigEndian.PutUint32(hdr[0:4], uint32(p.Positions))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(p.Data)))
		if _, err := w.Write(hdr[:]); err != nil {
			return fmt.Errorf("write page header: %w", err)
		}
		if _, err := w.Write(p.Data); err != nil {
			return fmt.Errorf("write page data: %w", err)
		}
	}
	return nil
}

// ReadPages decodes a stream written by WritePages.
func ReadPages(r io.Reader) ([]Page, error) {
	var pages []Page
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return pages, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		size := binary.BigEndian.Uint32(hdr[4:8])
		if size > maxFrameSize {
			return nil, fmt.Errorf("%w: frame of %d bytes", ErrCorruptPage, size)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
		}
		pages = append(pages, Page{
			Positions: int32(binary.BigEndian.Uint32(hdr[0:4])),
			Data:      data,
		})
	}
}

// SerializedSize is the number of bytes WritePages produces for pages.
func SerializedSize(pages []Page) int64 {
	var n int64
	for _, p := range pages {
		n += frameHeaderSize + int64(len(p.Data))
	}
	return n
}

package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ReserveFunc reserves memory for a buffered page and returns the function
// that gives it back. A nil ReserveFunc disables accounting.
type ReserveFunc func(bytes int64) (release func(), err error)

// State is the lifecycle state of a single buffer.
type State string

const (
	StateOpen        State = "OPEN"
	StateNoMorePages State = "NO_MORE_PAGES"
	StateFinished    State = "FINISHED"
	StateAborted     State = "ABORTED"
)

// Result is one batch returned by Get.
//
// Pages hold tokens [Token, NextToken). An empty batch with BufferComplete
// set is the terminal "no more pages" response; an empty batch without it
// means the wait timed out and the consumer should poll again at NextToken.
type Result struct {
	Token          int64
	NextToken      int64
	Pages          []Page
	BufferComplete bool
}

type entry struct {
	page    Page
	release func()
}

// OutputBuffer is an ordered, token-addressed, append-only page sequence.
// Its mutex is shared with the owning Manager so that every buffer
// operation of one task serializes on the same lock.
type OutputBuffer struct {
	id       string
	mu       *sync.Mutex
	reserve  ReserveFunc
	maxPages int

	pages       []entry // pages[0] has token ack
	ack         int64   // low watermark: lowest unacknowledged token
	next        int64   // high watermark: next token to assign
	noMorePages bool
	aborted     bool
	destroyed   bool
	signal      chan struct{} // closed and replaced on every change

	bufferedBytes int64
	pagesAdded    int64
	bytesAdded    int64
}

func newOutputBuffer(id string, mu *sync.Mutex, reserve ReserveFunc, maxPages int) *OutputBuffer {
	if maxPages <= 0 {
		maxPages = 1
	}
	return &OutputBuffer{
		id:       id,
		mu:       mu,
		reserve:  reserve,
		maxPages: maxPages,
		signal:   make(chan struct{}),
	}
}

// ID returns the buffer identifier.
func (b *OutputBuffer) ID() string { return b.id }

// notifyLocked wakes every pending Get. Caller must hold b.mu.
func (b *OutputBuffer) notifyLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

// Enqueue appends page at the high watermark. It reports false without
// error when the buffer no longer accepts pages.
func (b *OutputBuffer) Enqueue(page Page) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return false, fmt.Errorf("%w: %s", ErrBufferNotFound, b.id)
	}
	if b.noMorePages {
		return false, nil
	}

	e := entry{page: page}
	if b.reserve != nil {
		release, err := b.reserve(page.SizeInBytes())
		if err != nil {
			return false, fmt.Errorf("buffer %s: %w", b.id, err)
		}
		e.release = release
	}

	b.pages = append(b.pages, e)
	b.next++
	b.pagesAdded++
	b.bytesAdded += page.SizeInBytes()
	b.bufferedBytes += page.SizeInBytes()
	b.notifyLocked()
	return true, nil
}

// MarkComplete sets the no-more-pages flag.
func (b *OutputBuffer) MarkComplete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markCompleteLocked()
}

func (b *OutputBuffer) markCompleteLocked() {
	if b.noMorePages {
		return
	}
	b.noMorePages = true
	b.notifyLocked()
}

func (b *OutputBuffer) abortLocked() {
	b.aborted = true
	b.markCompleteLocked()
}

// Get returns the pages at and after token, waiting up to maxWait for data
// when none is available yet. maxBytes bounds the batch size; at least one
// page is returned whenever one is available.
func (b *OutputBuffer) Get(ctx context.Context, token int64, maxBytes int64, maxWait time.Duration) (Result, error) {
	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		b.mu.Lock()
		res, ready, err := b.readLocked(token, maxBytes)
		signal := b.signal
		b.mu.Unlock()

		if err != nil || ready {
			return res, err
		}
		if timeout == nil {
			return res, nil
		}

		select {
		case <-signal:
		case <-timeout:
			return Result{Token: token, NextToken: token}, nil
		case <-ctx.Done():
			return Result{Token: token, NextToken: token}, ctx.Err()
		}
	}
}

// readLocked evaluates a Get without waiting. ready is false when the
// caller should wait for a change. Caller must hold b.mu.
func (b *OutputBuffer) readLocked(token int64, maxBytes int64) (Result, bool, error) {
	empty := Result{Token: token, NextToken: token}

	if b.destroyed {
		empty.BufferComplete = true
		return empty, true, nil
	}
	if token < b.ack {
		return empty, true, fmt.Errorf("%w: buffer %s: token %d is below acknowledged token %d", ErrTokenOutOfRange, b.id, token, b.ack)
	}
	if token < b.next {
		start := int(token - b.ack)
		end := len(b.pages)
		if end-start > b.maxPages {
			end = start + b.maxPages
		}

		pages := make([]Page, 0, end-start)
		var size int64
		for i := start; i < end; i++ {
			p := b.pages[i].page
			if len(pages) > 0 && maxBytes > 0 && size+p.SizeInBytes() > maxBytes {
				break
			}
			size += p.SizeInBytes()
			pages = append(pages, p)
		}

		nextToken := token + int64(len(pages))
		return Result{
			Token:          token,
			NextToken:      nextToken,
			Pages:          pages,
			BufferComplete: b.noMorePages && nextToken == b.next,
		}, true, nil
	}
	if b.noMorePages {
		empty.BufferComplete = true
		return empty, true, nil
	}
	return empty, false, nil
}

// Acknowledge advances the low watermark to upto, evicting the pages below
// it and releasing their memory. Values at or below the current watermark
// are ignored; values past the high watermark are clamped.
func (b *OutputBuffer) Acknowledge(upto int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acknowledgeLocked(upto)
}

func (b *OutputBuffer) acknowledgeLocked(upto int64) {
	if b.destroyed {
		return
	}
	if upto > b.next {
		upto = b.next
	}
	if upto <= b.ack {
		return
	}

	n := int(upto - b.ack)
	for i := 0; i < n; i++ {
		b.evict(&b.pages[i])
	}
	b.pages = b.pages[n:]
	if len(b.pages) == 0 {
		b.pages = nil
	}
	b.ack = upto
}

func (b *OutputBuffer) evict(e *entry) {
	b.bufferedBytes -= e.page.SizeInBytes()
	if e.release != nil {
		e.release()
	}
	*e = entry{}
}

// destroyLocked drops every page regardless of acknowledgment and wakes
// pending readers. Caller must hold b.mu.
func (b *OutputBuffer) destroyLocked() (pages int, bytes int64) {
	if b.destroyed {
		return 0, 0
	}
	pages, bytes = len(b.pages), b.bufferedBytes
	for i := range b.pages {
		b.evict(&b.pages[i])
	}
	b.pages = nil
	b.destroyed = true
	b.noMorePages = true
	b.notifyLocked()
	return pages, bytes
}

// drainedLocked reports whether the buffer is complete and every page has
// been acknowledged.
func (b *OutputBuffer) drainedLocked() bool {
	return b.destroyed || (b.noMorePages && b.ack == b.next)
}

func (b *OutputBuffer) stateLocked() State {
	switch {
	case b.aborted:
		return StateAborted
	case b.drainedLocked():
		return StateFinished
	case b.noMorePages:
		return StateNoMorePages
	default:
		return StateOpen
	}
}

// Info is a snapshot of one buffer.
type Info struct {
	BufferID      string `json:"bufferId"`
	State         State  `json:"state"`
	Token         int64  `json:"token"`
	NextToken     int64  `json:"nextToken"`
	BufferedPages int    `json:"bufferedPages"`
	BufferedBytes int64  `json:"bufferedBytes"`
	PagesAdded    int64  `json:"pagesAdded"`
	BytesAdded    int64  `json:"bytesAdded"`
}

func (b *OutputBuffer) infoLocked() Info {
	return Info{
		BufferID:      b.id,
		State:         b.stateLocked(),
		Token:         b.ack,
		NextToken:     b.next,
		BufferedPages: len(b.pages),
		BufferedBytes: b.bufferedBytes,
		PagesAdded:    b.pagesAdded,
		BytesAdded:    b.bytesAdded,
	}
}

// Info returns a snapshot of the buffer.
func (b *OutputBuffer) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.infoLocked()
}

package collection

import (
	"context"
	"errors"
	"sync"

	"memory-docs/internal/document"
	"memory-docs/internal/limiter"
	"memory-docs/internal/store"
)

type streamState int

const (
	streamOpen streamState = iota
	streamDone
	streamFailed
	streamClosed
)

type slot struct {
	doc   document.Document
	err   error
	ready chan struct{}
}

func (sl *slot) resolve(doc document.Document, err error) {
	sl.doc, sl.err = doc, err
	close(sl.ready)
}

// docStream fetches documents through the read limiter and hands them out in the
// order of the ids it was opened with, whatever order the reads complete in.
type docStream struct {
	slots []*slot
	next  int
	// cancel stops a feeder waiting for room in the read queue.
	cancel context.CancelFunc

	mu    sync.Mutex
	state streamState
	err   error
}

func (c *Collection) openStream(ctx context.Context, ids []string) *docStream {
	s := &docStream{slots: make([]*slot, len(ids))}
	for i := range s.slots {
		s.slots[i] = &slot{ready: make(chan struct{})}
	}
	for i, id := range ids {
		err := c.reads.Push(c.fetchTask(ctx, id, s.slots[i]))
		if errors.Is(err, limiter.ErrTooManyQueued) {
			fctx, cancel := context.WithCancel(ctx)
			s.cancel = cancel
			go c.feed(fctx, ctx, s, ids, i)
			break
		}
		if err != nil {
			s.slots[i].resolve(nil, err)
		}
	}
	return s
}

func (c *Collection) fetchTask(ctx context.Context, id string, sl *slot) (limiter.Task, limiter.DoneFunc) {
	var fetched document.Document
	task := func() error {
		doc, err := c.fetch(ctx, id)
		fetched = doc
		return err
	}
	done := func(err error) {
		if err != nil {
			sl.resolve(nil, err)
			return
		}
		sl.resolve(fetched, nil)
	}
	return task, done
}

// feed pushes ids[from:] once the refusing read queue has drained, so a large result
// waits for room instead of failing. Slots it never gets to carry the reason it stopped.
func (c *Collection) feed(fctx, ctx context.Context, s *docStream, ids []string, from int) {
	defer s.cancel()
	for i := from; i < len(ids); {
		err := c.reads.Push(c.fetchTask(ctx, ids[i], s.slots[i]))
		if errors.Is(err, limiter.ErrTooManyQueued) {
			if werr := c.reads.Drain(fctx); werr != nil {
				for _, sl := range s.slots[i:] {
					sl.resolve(nil, werr)
				}
				return
			}
			continue
		}
		if err != nil {
			s.slots[i].resolve(nil, err)
		}
		i++
	}
}

// Next returns the next document, or ok=false once the stream is exhausted. Documents
// that disappeared from the store since planning are skipped.
func (s *docStream) Next(ctx context.Context) (doc document.Document, ok bool, err error) {
	for {
		s.mu.Lock()
		switch s.state {
		case streamClosed:
			s.mu.Unlock()
			return nil, false, ErrCursorClosed
		case streamFailed:
			err := s.err
			s.mu.Unlock()
			return nil, false, err
		case streamDone:
			s.mu.Unlock()
			return nil, false, nil
		}
		if s.next >= len(s.slots) {
			s.state = streamDone
			s.mu.Unlock()
			return nil, false, nil
		}
		sl := s.slots[s.next]
		s.next++
		s.mu.Unlock()

		select {
		case <-sl.ready:
		case <-ctx.Done():
			s.fail(ctx.Err())
			return nil, false, ctx.Err()
		}
		if sl.err != nil {
			if errors.Is(sl.err, store.ErrNotFound) {
				continue
			}
			s.fail(sl.err)
			return nil, false, sl.err
		}
		return sl.doc, true, nil
	}
}

func (s *docStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == streamOpen {
		s.state = streamFailed
		s.err = err
	}
}

// Close ends the stream. Reads already dispatched run to completion and are dropped.
func (s *docStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == streamOpen {
		s.state = streamClosed
	}
	if s.cancel != nil {
		s.cancel()
	}
}

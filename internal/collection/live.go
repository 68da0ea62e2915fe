package collection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"memory-docs/internal/document"
	"memory-docs/internal/globalconst"
	"memory-docs/internal/query"
)

type liveState struct {
	cur      *Cursor
	ctx      context.Context
	cancel   context.CancelFunc
	handler  func(Result, error)
	debounce time.Duration

	// runMu serialises executions.
	runMu sync.Mutex

	mu          sync.Mutex
	ids         map[string]struct{}
	timer       *time.Timer
	unsubscribe func()

	stopped atomic.Bool
}

// Live executes the cursor, hands the result to handler, then re-executes it whenever an
// inserted, updated or removed document was part of the last result or matches the
// query. Bursts of changes are coalesced. The cursor stays live until Stop, Close, the
// end of ctx, or the collection closing, which is reported as ErrCollectionClosed.
func (cur *Cursor) Live(ctx context.Context, handler func(Result, error)) error {
	cur.mu.Lock()
	if cur.closed {
		cur.mu.Unlock()
		return ErrCursorClosed
	}
	if cur.live != nil {
		cur.mu.Unlock()
		return ErrAlreadyLive
	}
	lctx, cancel := context.WithCancel(ctx)
	ls := &liveState{
		cur:      cur,
		ctx:      lctx,
		cancel:   cancel,
		handler:  handler,
		debounce: cur.c.opts.LiveDebounce,
		ids:      map[string]struct{}{},
	}
	cur.live = ls
	cur.mu.Unlock()

	unsubscribe := cur.c.Subscribe(ls.onEvent)
	ls.mu.Lock()
	ls.unsubscribe = unsubscribe
	ls.mu.Unlock()
	if ls.stopped.Load() {
		unsubscribe()
		return ErrCollectionClosed
	}

	go func() {
		<-lctx.Done()
		cur.Close()
	}()

	ls.runMu.Lock()
	ls.run()
	ls.runMu.Unlock()
	return nil
}

// Stop ends live mode and releases the cached result. It is the same as Close.
func (cur *Cursor) Stop() {
	cur.Close()
}

func (ls *liveState) run() {
	if ls.stopped.Load() {
		return
	}
	docs, windowed, err := ls.cur.fetch(ls.ctx)
	if err != nil {
		if !ls.stopped.Load() {
			ls.handler(Result{}, err)
		}
		return
	}
	ids := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		ids[document.ID(d)] = struct{}{}
	}
	ls.mu.Lock()
	ls.ids = ids
	ls.mu.Unlock()

	res, err := ls.cur.finish(docs, windowed)
	if !ls.stopped.Load() {
		ls.handler(res, err)
	}
}

func (ls *liveState) onEvent(ev Event) {
	if ls.stopped.Load() {
		return
	}
	switch ev.Type {
	case globalconst.EventClose:
		ls.handler(Result{}, ErrCollectionClosed)
		ls.cur.Close()
	case globalconst.EventInserted, globalconst.EventUpdated, globalconst.EventRemoved:
		if ls.relevant(ev) {
			ls.schedule()
		}
	}
}

func (ls *liveState) relevant(ev Event) bool {
	ls.mu.Lock()
	_, cached := ls.ids[ev.ID]
	ls.mu.Unlock()
	if cached {
		return true
	}
	if ev.Type == globalconst.EventRemoved || ev.Doc == nil {
		return false
	}
	matched, err := query.Match(ev.Doc, ls.cur.q)
	if err != nil {
		slog.Debug("Live query match failed", "collection", ev.Collection, "error", err)
		return false
	}
	return matched
}

func (ls *liveState) schedule() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.timer != nil {
		ls.timer.Stop()
	}
	ls.timer = time.AfterFunc(ls.debounce, func() {
		ls.runMu.Lock()
		defer ls.runMu.Unlock()
		ls.run()
	})
}

func (ls *liveState) stop() {
	if !ls.stopped.CompareAndSwap(false, true) {
		return
	}
	ls.mu.Lock()
	if ls.timer != nil {
		ls.timer.Stop()
	}
	unsubscribe := ls.unsubscribe
	ls.ids = nil
	ls.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	ls.cancel()
}

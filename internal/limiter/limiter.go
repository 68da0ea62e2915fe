package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTooManyQueued = errors.New("too many tasks queued")
	ErrTimeout       = errors.New("operation timed out")
	ErrStopped       = errors.New("limiter stopped")
	// ErrOutdated wraps the result of a task that completed after its caller timed out.
	ErrOutdated = errors.New("task completed after its timeout")
)

// Task is a unit of work scheduled by a Limiter.
type Task func() error

// DoneFunc receives the outcome of a task exactly once.
type DoneFunc func(err error)

// Options configures a Limiter.
type Options struct {
	Name string
	// Limit is the maximum number of tasks running at once. Zero means unbounded.
	Limit int
	// Ratio sizes the queue: capacity is Limit*Ratio. Zero or less means no capacity limit.
	Ratio float64
	// Refuse makes Push fail with ErrTooManyQueued instead of queueing past capacity.
	Refuse bool
	// Timeout bounds how long a caller waits once its task is dispatched.
	Timeout  time.Duration
	Disabled bool

	OnFull     func(depth int)
	OnOutdated func(err error)
	// OnChange observes the queue after every scheduling step.
	OnChange func(queued, active int)
}

type job struct {
	task     Task
	done     DoneFunc
	gen      uint64
	settled  bool
	timedOut bool
	finished bool
	finishCh chan struct{}
	timer    *time.Timer
}

// Limiter runs tasks with bounded concurrency. The zero value is not usable; call New.
type Limiter struct {
	opts Options

	mu      sync.Mutex
	queue   []*job
	running map[*job]struct{}
	active  int
	paused  bool
	stopped bool
	gen     uint64
}

// New creates a Limiter ready to schedule.
func New(opts Options) *Limiter {
	if opts.Limit < 0 {
		opts.Limit = 0
	}
	return &Limiter{
		opts:    opts,
		running: make(map[*job]struct{}),
	}
}

func (l *Limiter) Name() string { return l.opts.Name }

func (l *Limiter) unbounded() bool {
	return l.opts.Disabled || l.opts.Limit == 0
}

func (l *Limiter) capacity() int {
	if l.opts.Ratio <= 0 || l.unbounded() {
		return 0
	}
	c := int(float64(l.opts.Limit) * l.opts.Ratio)
	if c < 1 {
		c = 1
	}
	return c
}

// Push appends a task to the queue and dispatches it if capacity allows. done may be nil.
func (l *Limiter) Push(task Task, done DoneFunc) error {
	return l.enqueue(task, done, false)
}

// Unshift places a task at the head of the queue.
func (l *Limiter) Unshift(task Task, done DoneFunc) error {
	return l.enqueue(task, done, true)
}

func (l *Limiter) enqueue(task Task, done DoneFunc, front bool) error {
	j := &job{task: task, done: done, finishCh: make(chan struct{})}

	l.mu.Lock()
	if c := l.capacity(); c > 0 && len(l.queue) >= c && l.opts.Refuse {
		l.mu.Unlock()
		return ErrTooManyQueued
	}
	if front {
		l.queue = append([]*job{j}, l.queue...)
	} else {
		l.queue = append(l.queue, j)
	}
	depth := len(l.queue)
	l.dispatchLocked()
	queued, active := len(l.queue), l.active
	l.mu.Unlock()

	if depth > 1 && l.opts.OnFull != nil {
		l.opts.OnFull(depth)
	}
	l.notify(queued, active)
	return nil
}

// dispatchLocked starts queued jobs while there is room. l.mu must be held.
func (l *Limiter) dispatchLocked() {
	for !l.paused && !l.stopped && len(l.queue) > 0 && (l.unbounded() || l.active < l.opts.Limit) {
		j := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		j.gen = l.gen
		l.active++
		l.running[j] = struct{}{}
		if l.opts.Timeout > 0 {
			j.timer = time.AfterFunc(l.opts.Timeout, func() { l.expire(j) })
		}
		go l.run(j)
	}
}

func (l *Limiter) run(j *job) {
	err := safeRun(j.task)
	l.finish(j, err)
}

func safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task()
}

func (l *Limiter) expire(j *job) {
	l.mu.Lock()
	if j.settled {
		l.mu.Unlock()
		return
	}
	j.settled = true
	j.timedOut = true
	l.mu.Unlock()

	slog.Debug("Limiter task timed out", "limiter", l.opts.Name, "timeout", l.opts.Timeout)
	if j.done != nil {
		j.done(ErrTimeout)
	}
}

func (l *Limiter) finish(j *job, err error) {
	l.mu.Lock()
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.gen == l.gen {
		if _, ok := l.running[j]; ok {
			delete(l.running, j)
			l.active--
		}
	}
	markFinished(j)
	deliver := !j.settled
	outdated := j.timedOut
	j.settled = true
	l.dispatchLocked()
	queued, active := len(l.queue), l.active
	l.mu.Unlock()

	switch {
	case deliver:
		if j.done != nil {
			j.done(err)
		}
	case outdated:
		slog.Warn("Limiter task completed after its timeout", "limiter", l.opts.Name, "error", err)
		if l.opts.OnOutdated != nil {
			if err != nil {
				l.opts.OnOutdated(fmt.Errorf("%w: %w", ErrOutdated, err))
			} else {
				l.opts.OnOutdated(ErrOutdated)
			}
		}
	}
	l.notify(queued, active)
}

func markFinished(j *job) {
	if !j.finished {
		j.finished = true
		close(j.finishCh)
	}
}

func (l *Limiter) notify(queued, active int) {
	if l.opts.OnChange != nil {
		l.opts.OnChange(queued, active)
	}
}

// Do pushes task and blocks until it completes, times out, or ctx ends. A cancelled ctx
// does not withdraw the task.
func (l *Limiter) Do(ctx context.Context, task Task) error {
	return l.wait(ctx, task, false)
}

// DoFirst is Do with the task placed at the head of the queue.
func (l *Limiter) DoFirst(ctx context.Context, task Task) error {
	return l.wait(ctx, task, true)
}

func (l *Limiter) wait(ctx context.Context, task Task, front bool) error {
	result := make(chan error, 1)
	if err := l.enqueue(task, func(err error) { result <- err }, front); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits until every task queued or running at the time of the call has finished.
func (l *Limiter) Drain(ctx context.Context) error {
	l.mu.Lock()
	pending := make([]chan struct{}, 0, len(l.queue)+len(l.running))
	for _, j := range l.queue {
		pending = append(pending, j.finishCh)
	}
	for j := range l.running {
		pending = append(pending, j.finishCh)
	}
	l.mu.Unlock()

	for _, ch := range pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pause stops dispatching new tasks. Running tasks are untouched.
func (l *Limiter) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume restarts dispatching after Pause.
func (l *Limiter) Resume() {
	l.mu.Lock()
	l.paused = false
	l.dispatchLocked()
	queued, active := len(l.queue), l.active
	l.mu.Unlock()
	l.notify(queued, active)
}

// Stop clears the queue and forgets running tasks. Every waiting caller receives
// ErrStopped; results of abandoned tasks are discarded.
func (l *Limiter) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.gen++
	abandoned := append([]*job(nil), l.queue...)
	for j := range l.running {
		abandoned = append(abandoned, j)
	}
	l.queue = nil
	l.running = make(map[*job]struct{})
	l.active = 0

	var callers []DoneFunc
	for _, j := range abandoned {
		if j.timer != nil {
			j.timer.Stop()
		}
		markFinished(j)
		if !j.settled {
			j.settled = true
			if j.done != nil {
				callers = append(callers, j.done)
			}
		}
	}
	l.mu.Unlock()

	if len(abandoned) > 0 {
		slog.Info("Limiter stopped", "limiter", l.opts.Name, "abandoned", len(abandoned))
	}
	for _, done := range callers {
		done(ErrStopped)
	}
	l.notify(0, 0)
}

// Start re-enables scheduling after Stop.
func (l *Limiter) Start() {
	l.mu.Lock()
	l.stopped = false
	l.dispatchLocked()
	queued, active := len(l.queue), l.active
	l.mu.Unlock()
	l.notify(queued, active)
}

// Active returns the number of running tasks.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Queued returns the number of tasks waiting for dispatch.
func (l *Limiter) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

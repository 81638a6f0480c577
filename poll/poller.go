package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/debug"
)

// CheckFunc asks the external system for the current state of target. A
// plain error is transient; wrap it with Terminal to stop the task.
type CheckFunc func(ctx context.Context, target string) (Result, error)

type Poller struct {
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

type Option func(*Poller)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

func New(opts ...Option) *Poller {
	p := &Poller{
		logger: debug.Named("poll"),
		tasks:  make(map[string]*Task),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Until starts polling target. The first check runs immediately; later ones
// start Interval after the previous one started, never overlapping. Exactly
// one of OnSuccess or OnFailure fires unless the task is cancelled first.
// Cancelling ctx cancels the task.
func (p *Poller) Until(ctx context.Context, target string, check CheckFunc, opts Options) *Task {
	opts = opts.withDefaults()
	if check == nil {
		check = func(context.Context, string) (Result, error) {
			return Result{}, Terminal(ReasonInvalidCheck, nil)
		}
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:      uuid.NewString(),
		target:  target,
		opts:    opts,
		check:   check,
		status:  StatusChecking,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
		logger:  p.logger.With(zap.String("target", target)),
	}

	p.mu.Lock()
	p.tasks[t.id] = t
	p.mu.Unlock()

	go func() {
		defer p.remove(t)
		t.run(tctx)
	}()

	return t
}

// CancelAll cancels every running task.
func (p *Poller) CancelAll() {
	p.mu.Lock()
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// Len counts tasks that have not finished.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

func (p *Poller) remove(t *Task) {
	p.mu.Lock()
	delete(p.tasks, t.id)
	p.mu.Unlock()
}

// Task is one polling operation. Once it reaches a terminal status it never
// checks again.
type Task struct {
	id      string
	target  string
	opts    Options
	check   CheckFunc
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
	logger  *zap.Logger

	mu        sync.Mutex
	status    Status
	attempts  int
	transient int
	lastErr   error
	reason    string
	finished  bool
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Target() string {
	return t.target
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// LastError is the most recent transient or terminal check error.
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Reason is the failure reason once the task has failed.
func (t *Task) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done is closed when the task stops running.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the task without firing either callback. It is safe to call
// at any time and more than once.
func (t *Task) Cancel() {
	t.mu.Lock()
	if !t.finished {
		t.finished = true
		t.status = StatusCancelled
	}
	t.mu.Unlock()

	t.cancel()
}

type checkResult struct {
	result Result
	err    error
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	defer t.cancel()

	deadline := time.NewTimer(t.opts.MaxElapsed)
	defer deadline.Stop()

	for {
		started := time.Now()
		results := make(chan checkResult, 1)
		go t.runCheck(ctx, results)

		select {
		case <-ctx.Done():
			t.Cancel()
			return
		case <-deadline.C:
			t.fail(ReasonTimeout, nil)
			return
		case res := <-results:
			if t.record(res) {
				return
			}
		}

		wait := time.NewTimer(time.Until(started.Add(t.opts.Interval)))
		select {
		case <-ctx.Done():
			wait.Stop()
			t.Cancel()
			return
		case <-deadline.C:
			wait.Stop()
			t.fail(ReasonTimeout, nil)
			return
		case <-wait.C:
		}
	}
}

func (t *Task) runCheck(ctx context.Context, results chan<- checkResult) {
	defer func() {
		if r := recover(); r != nil {
			results <- checkResult{err: fmt.Errorf("check panicked: %v", r)}
		}
	}()

	res, err := t.check(ctx, t.target)
	results <- checkResult{result: res, err: err}
}

// record applies one check result and reports whether the task is done.
func (t *Task) record(res checkResult) bool {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return true
	}
	t.attempts++
	attempts := t.attempts

	if res.err != nil {
		t.lastErr = res.err
		if reason, ok := IsTerminal(res.err); ok {
			t.mu.Unlock()
			t.fail(reason, res.err)
			return true
		}

		t.transient++
		transient := t.transient
		t.status = StatusPending
		t.mu.Unlock()

		t.logger.Debug("transient check failure",
			zap.Int("attempt", attempts),
			zap.Int("consecutive", transient),
			zap.Error(res.err))

		if limit := t.opts.MaxTransientFailures; limit > 0 && transient >= limit {
			t.fail(ReasonTooManyTransient, res.err)
			return true
		}
		return t.exhausted(attempts)
	}

	t.transient = 0
	switch res.result.outcome {
	case outcomeSucceeded:
		t.mu.Unlock()
		t.succeed(res.result.data)
		return true
	case outcomeFailed:
		t.mu.Unlock()
		t.fail(res.result.reason, nil)
		return true
	}

	t.status = StatusPending
	t.mu.Unlock()
	return t.exhausted(attempts)
}

func (t *Task) exhausted(attempts int) bool {
	if t.opts.MaxAttempts > 0 && attempts >= t.opts.MaxAttempts {
		t.fail(ReasonTimeout, nil)
		return true
	}
	return false
}

func (t *Task) succeed(data any) {
	if !t.finish(StatusCompleted, "", nil) {
		return
	}

	t.logger.Debug("poll completed",
		zap.Int("attempts", t.Attempts()),
		zap.Duration("elapsed", time.Since(t.started)))

	if t.opts.OnSuccess != nil {
		t.callback(func() { t.opts.OnSuccess(data) })
	}
}

func (t *Task) fail(reason string, err error) {
	if !t.finish(StatusFailed, reason, err) {
		return
	}

	t.logger.Info("poll failed",
		zap.String("reason", reason),
		zap.Int("attempts", t.Attempts()),
		zap.Duration("elapsed", time.Since(t.started)),
		zap.Error(err))

	if t.opts.OnFailure != nil {
		t.callback(func() { t.opts.OnFailure(reason) })
	}
}

// finish claims the single terminal transition.
func (t *Task) finish(status Status, reason string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return false
	}
	t.finished = true
	t.status = status
	t.reason = reason
	if err != nil {
		t.lastErr = err
	}
	t.cancel()
	return true
}

func (t *Task) callback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("poll callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

package session

import (
	"context"
	"fmt"
	"time"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/protocol/chunk"
	"github.com/danmuck/pcicrec/internal/protocol/envelope"
)

// receiver is one receive strategy.
type receiver interface {
	// open establishes the data path; algo debug is disabled meanwhile.
	open(ctx context.Context) error
	// start begins background delivery after the first open.
	start()
	get(ctx context.Context, opts GetOptions) (Frame, error)
	// shut tears the data path down without waiting.
	shut()
	// join waits for background delivery to end.
	join(timeout time.Duration) bool
}

func joinDone(done <-chan struct{}, timeout time.Duration) bool {
	if done == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// threadedReceiver reads the socket on its own goroutine.
type threadedReceiver struct {
	s    *Session
	done chan struct{}
}

func (r *threadedReceiver) open(ctx context.Context) error {
	l, err := r.s.dialLink(ctx)
	if err != nil {
		return err
	}
	r.s.setLink(l)
	return nil
}

func (r *threadedReceiver) start() {
	done := make(chan struct{})
	r.s.mu.Lock()
	r.done = done
	r.s.mu.Unlock()
	go r.loop(done)
}

func (r *threadedReceiver) loop(done chan struct{}) {
	defer close(done)
	s := r.s
	s.mu.Lock()
	ctx := s.life
	s.mu.Unlock()
	for !s.finished.Load() {
		l := s.currentLink()
		if l == nil {
			s.fail(protocol.ErrClosed)
			return
		}
		var deadline time.Time
		if s.cfg.ReadTimeout > 0 {
			deadline = time.Now().Add(s.cfg.ReadTimeout)
		}
		env, err := l.next(deadline)
		if err == nil {
			err = s.handleEnvelope(env)
		}
		if err == nil {
			continue
		}
		if protocol.IsTimeout(err) {
			logs.Debugf("session.threadedReceiver read timeout source=%s pending=%v", s.src.Name, l.rd.Pending())
		}
		if !s.recover(ctx, err) {
			s.fail(err)
			return
		}
	}
}

func (r *threadedReceiver) get(ctx context.Context, opts GetOptions) (Frame, error) {
	return r.s.queue.pop(ctx, opts)
}

func (r *threadedReceiver) shut() {
	r.s.closeLink()
}

func (r *threadedReceiver) join(timeout time.Duration) bool {
	r.s.mu.Lock()
	done := r.done
	r.s.mu.Unlock()
	return joinDone(done, timeout)
}

// pullReceiver reads the socket inside get until a frame is queued.
type pullReceiver struct {
	s *Session
}

func (r *pullReceiver) open(ctx context.Context) error {
	l, err := r.s.dialLink(ctx)
	if err != nil {
		return err
	}
	r.s.setLink(l)
	return nil
}

func (r *pullReceiver) start() {}

func (r *pullReceiver) get(ctx context.Context, opts GetOptions) (Frame, error) {
	s := r.s
	var deadline time.Time
	switch {
	case opts.Block && opts.Timeout > 0:
		deadline = time.Now().Add(opts.Timeout)
	case !opts.Block:
		deadline = time.Now().Add(time.Millisecond)
	}
	for {
		f, ok, _ := s.queue.tryPop()
		if ok {
			return f, nil
		}
		if s.finished.Load() {
			return Frame{}, protocol.ErrClosed
		}
		l := s.currentLink()
		if l == nil {
			return Frame{}, protocol.ErrClosed
		}
		env, err := r.read(ctx, l, deadline)
		if err == nil {
			err = s.handleEnvelope(env)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		if protocol.IsTimeout(err) && !s.cfg.CloseOnTimeout {
			return Frame{}, err
		}
		if s.recover(ctx, err) {
			continue
		}
		s.fail(err)
		return Frame{}, protocol.ErrClosed
	}
}

// read unblocks on ctx cancellation by moving the deadline into the past.
func (r *pullReceiver) read(ctx context.Context, l *link, deadline time.Time) (envelope.Envelope, error) {
	_ = l.conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	return l.rd.Next()
}

func (r *pullReceiver) shut() {
	r.s.closeLink()
}

func (r *pullReceiver) join(time.Duration) bool {
	return true
}

// pushReceiver wraps an external delivery backend.
type pushReceiver struct {
	s *Session
}

func (r *pushReceiver) open(ctx context.Context) error {
	s := r.s
	s.mu.Lock()
	life := s.life
	s.mu.Unlock()
	if err := s.push.Start(life, s.src, r.deliver); err != nil {
		return fmt.Errorf("%w: session: push source start %s: %v", protocol.ErrConnectionLost, s.src.Name, err)
	}
	return nil
}

func (r *pushReceiver) deliver(chunks []chunk.Chunk) error {
	if r.s.finished.Load() {
		return protocol.ErrClosed
	}
	if err := r.s.handleChunks(chunks); err != nil {
		r.s.fail(err)
		return err
	}
	return nil
}

func (r *pushReceiver) start() {}

func (r *pushReceiver) get(ctx context.Context, opts GetOptions) (Frame, error) {
	return r.s.queue.pop(ctx, opts)
}

func (r *pushReceiver) shut() {
	if err := r.s.push.Stop(); err != nil {
		logs.Warnf("session.pushReceiver stop source=%s err=%v", r.s.src.Name, err)
	}
}

func (r *pushReceiver) join(time.Duration) bool {
	return true
}

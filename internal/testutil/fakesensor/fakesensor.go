// Package fakesensor runs a loopback PCIC endpoint for tests.
package fakesensor

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol/chunk"
	"github.com/danmuck/pcicrec/internal/protocol/envelope"
)

var ErrNoConnections = errors.New("fakesensor: no open connections")

type conn struct {
	net.Conn
	wmu sync.Mutex
}

func (c *conn) send(ticket envelope.Ticket, content []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return envelope.WriteCommand(c.Conn, ticket, content)
}

// Sensor answers ticket 1000 commands with "*" and broadcasts result
// envelopes to every open connection.
type Sensor struct {
	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	conns    map[*conn]struct{}
	commands []string
	reject   map[string]bool
	accepted int
	closed   bool
	changed  chan struct{}
}

// New listens on 127.0.0.1 and stops the sensor when the test ends.
func New(t testing.TB) *Sensor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakesensor listen: %v", err)
	}
	s := &Sensor{
		ln:      ln,
		conns:   map[*conn]struct{}{},
		reject:  map[string]bool{},
		changed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Sensor) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

func (s *Sensor) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Reject makes the sensor answer cmd with "!".
func (s *Sensor) Reject(cmd string) {
	s.mu.Lock()
	s.reject[cmd] = true
	s.mu.Unlock()
}

// Commands returns every command answered so far, oldest first.
func (s *Sensor) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// Accepted returns the number of connections accepted since start.
func (s *Sensor) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// WaitAccepted blocks until n connections have been accepted in total.
func (s *Sensor) WaitAccepted(ctx context.Context, n int) error {
	return s.wait(ctx, func() bool { return s.accepted >= n })
}

// WaitCommands blocks until n commands have been answered in total.
// Results sent afterwards follow the answers on the wire.
func (s *Sensor) WaitCommands(ctx context.Context, n int) error {
	return s.wait(ctx, func() bool { return len(s.commands) >= n })
}

func (s *Sensor) wait(ctx context.Context, done func() bool) error {
	for {
		s.mu.Lock()
		ok := done()
		ch := s.changed
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// notify must be called with mu held.
func (s *Sensor) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Send writes one envelope to every open connection.
func (s *Sensor) Send(ticket envelope.Ticket, content []byte) error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if len(conns) == 0 {
		return ErrNoConnections
	}
	var errs []error
	for _, c := range conns {
		errs = append(errs, c.send(ticket, content))
	}
	return errors.Join(errs...)
}

// SendChunks sends chunks as one result envelope.
func (s *Sensor) SendChunks(chunks ...chunk.Chunk) error {
	return s.Send(envelope.TicketResult, chunk.EncodeContent(chunks))
}

// SendFrame sends every channel of frameNumber in channel order, cut into
// splits algo-debug chunks each, one chunk per envelope.
func (s *Sensor) SendFrame(frameNumber uint32, channels [][]byte, splits int) error {
	for _, c := range FrameChunks(frameNumber, channels, splits) {
		if err := s.SendChunks(c); err != nil {
			return err
		}
	}
	return nil
}

// FrameChunks builds the algo-debug chunks of one frame.
func FrameChunks(frameNumber uint32, channels [][]byte, splits int) []chunk.Chunk {
	splits = max(splits, 1)
	var out []chunk.Chunk
	for idx, data := range channels {
		size := (len(data) + splits - 1) / splits
		for i := 0; i < splits; i++ {
			lo := min(i*size, len(data))
			hi := min(lo+size, len(data))
			h := chunk.ChannelHeader{
				FrameNumber:      frameNumber,
				ChannelIdx:       uint16(idx),
				NumChannels:      uint16(len(channels)),
				NumSplits:        uint16(splits),
				SplitIdx:         uint16(i),
				TotalChannelSize: uint32(len(data)),
				SplitSize:        uint32(hi - lo),
				SplitOffset:      uint32(lo),
			}
			out = append(out, chunk.Chunk{
				Type:    chunk.AlgoDebugType,
				Header:  chunk.ImageHeader{FrameCount: frameNumber, TimestampSeconds: 1700000000 + frameNumber},
				Payload: chunk.EncodeChannel(h, data[lo:hi]),
			})
		}
	}
	return out
}

// DropConnections closes every open connection from the sensor side.
func (s *Sensor) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = map[*conn]struct{}{}
	s.notify()
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

func (s *Sensor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Sensor) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &conn{Conn: nc}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.accepted++
		s.notify()
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Sensor) serve(c *conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()
	rd := envelope.NewReader(c, envelope.DefaultLimits())
	for {
		env, err := rd.Next()
		if err != nil {
			logs.Debugf("fakesensor.Sensor.serve closed remote=%s err=%v", c.RemoteAddr(), err)
			return
		}
		if env.Ticket != envelope.TicketCommand {
			continue
		}
		cmd := string(env.Content)
		s.mu.Lock()
		answer := "*"
		if s.reject[cmd] {
			answer = "!"
		}
		s.mu.Unlock()
		if err := c.send(envelope.TicketCommand, []byte(answer)); err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.notify()
		s.mu.Unlock()
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pcicrec/internal/device"
	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/observability"
	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/protocol/chunk"
	"github.com/danmuck/pcicrec/internal/protocol/envelope"
	"github.com/danmuck/pcicrec/internal/reassembly"
)

// FormatAlgoDebug is the channel based algo-debug format; every other
// format is assembled from the chunk filter.
const FormatAlgoDebug = "imeas"

var (
	ErrHostRequired     = errors.New("session: host required")
	ErrPortRequired     = errors.New("session: pcic port required without a device client")
	ErrPushSource       = errors.New("session: push strategy requires a PushSource")
	ErrFilterRequired   = errors.New("session: chunk filter required for non algo-debug formats")
	ErrAlreadyConnected = errors.New("session: already connected")
)

// Source identifies one PCIC output of the device.
type Source struct {
	// Name is the port or application ("port2", "app0"). Empty disables
	// every configuration RPC.
	Name     string
	Host     string
	PCICPort int
	Format   string
	// ChunkFilter lists the chunk types concatenated into one frame for
	// non algo-debug formats, in payload order.
	ChunkFilter  []uint32
	OutputConfig int
}

// Frame is one complete payload handed to the consumer.
type Frame struct {
	Format        string
	Payload       []byte
	FrameNumber   uint32
	ReceivedAt    time.Time
	DataTimestamp time.Time
}

type Stats struct {
	Frames          uint64
	Bytes           uint64
	ChunksDropped   uint64
	FramesAbandoned uint64
	Reconnects      uint64
	Queued          int
}

// PushSource delivers result chunks from an external receive backend.
// Start must return once delivery is running; deliver is called from the
// source's own goroutine and an error from it ends delivery.
type PushSource interface {
	Start(ctx context.Context, src Source, deliver func([]chunk.Chunk) error) error
	Stop() error
}

type Option func(*Session)

func WithDialer(dial DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

func WithPushSource(p PushSource) Option {
	return func(s *Session) { s.push = p }
}

// WithOnceChannels shares a once-channel cache, e.g. across sessions that
// replace each other for the same source.
func WithOnceChannels(once *reassembly.OnceChannels) Option {
	return func(s *Session) { s.once = once }
}

// Session is a PCIC receive session for one source. Get must be called
// from a single goroutine.
type Session struct {
	cfg  Config
	src  Source
	dev  device.Client
	dial DialFunc
	push PushSource
	recv receiver

	once  *reassembly.OnceChannels
	reasm *reassembly.Reassembler
	queue *frameQueue
	rng   *rand.Rand

	mu       sync.Mutex
	link     *link
	port     int
	legacy   bool
	lastErr  error
	life     context.Context
	cancel   context.CancelFunc
	closing  atomic.Bool
	finished atomic.Bool
	// once-channel request, handed to reasm on the delivering goroutine
	onceNext atomic.Int32

	// delivering goroutine only
	lastTS        time.Time
	seenDropped   uint64
	seenAbandoned uint64

	frames     atomic.Uint64
	bytes      atomic.Uint64
	dropped    atomic.Uint64
	abandoned  atomic.Uint64
	reconnects atomic.Uint64
}

func New(cfg Config, src Source, dev device.Client, opts ...Option) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(src.Host) == "" {
		return nil, ErrHostRequired
	}
	if src.Format == "" {
		src.Format = FormatAlgoDebug
	}
	if src.Format != FormatAlgoDebug && len(src.ChunkFilter) == 0 {
		return nil, fmt.Errorf("%w: format=%s", ErrFilterRequired, src.Format)
	}
	if src.Name == "" {
		dev = nil
	}
	if dev == nil && src.PCICPort <= 0 {
		return nil, ErrPortRequired
	}
	s := &Session{
		cfg:  cfg,
		src:  src,
		dev:  dev,
		dial: (&net.Dialer{}).DialContext,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		life: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.once == nil {
		s.once = &reassembly.OnceChannels{}
	}
	s.reasm = reassembly.New(s.once, s.emit, reassembly.Options{
		Repetition:       cfg.OnceRepetition,
		MaxPendingFrames: cfg.MaxPendingFrames,
	})
	switch cfg.Strategy {
	case StrategyThreaded:
		s.queue = newFrameQueue(cfg.QueueCapacity)
		s.recv = &threadedReceiver{s: s}
	case StrategyPull:
		// frames are only produced inside Get, so the queue never blocks
		s.queue = newFrameQueue(0)
		s.recv = &pullReceiver{s: s}
	case StrategyPush:
		if s.push == nil {
			return nil, ErrPushSource
		}
		s.queue = newFrameQueue(cfg.QueueCapacity)
		s.recv = &pushReceiver{s: s}
	}
	return s, nil
}

func (s *Session) Source() Source {
	return s.src
}

// OnceChannels exposes the session's once-channel cache.
func (s *Session) OnceChannels() *reassembly.OnceChannels {
	return s.once
}

// Connect verifies the expected device state, resolves the PCIC port and
// opens the data path with algo debug enabled.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.life, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	err := s.connect(ctx)
	if err == nil && s.closing.Load() {
		err = protocol.ErrClosed
	}
	if err != nil {
		s.recv.shut()
		s.finished.Store(true)
		s.queue.close()
		s.cancel()
		return err
	}
	s.recv.start()
	logs.Infof("session.Session.Connect source=%s host=%s port=%d strategy=%s format=%s", s.src.Name, s.src.Host, s.port, s.cfg.Strategy, s.src.Format)
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	if s.dev != nil && len(s.cfg.ExpectedInfo) > 0 {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		err := device.MatchesExpected(rctx, s.dev, s.src.Name, s.cfg.ExpectedInfo)
		cancel()
		if err != nil {
			return err
		}
	}
	s.port = s.src.PCICPort
	if s.port <= 0 {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		port, err := device.PCICPort(rctx, s.dev, s.src.Name)
		cancel()
		if err != nil {
			return fmt.Errorf("session: resolve pcic port %s: %w", s.src.Name, err)
		}
		s.port = port
	}
	if s.dev != nil {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		legacy, err := device.IsLegacy(rctx, s.dev)
		cancel()
		if err != nil {
			logs.Warnf("session.Session.Connect version check failed source=%s err=%v", s.src.Name, err)
		}
		s.legacy = legacy
	}
	return s.openTransport(ctx)
}

// openTransport disables algo debug, opens the data path and enables algo
// debug again.
func (s *Session) openTransport(ctx context.Context) error {
	if err := s.setAlgoDebug(ctx, false); err != nil {
		return err
	}
	if err := sleepCtx(ctx, s.cfg.SettleDelay); err != nil {
		return err
	}
	if err := s.recv.open(ctx); err != nil {
		return err
	}
	return s.setAlgoDebug(ctx, true)
}

func (s *Session) setAlgoDebug(ctx context.Context, enabled bool) error {
	if s.dev == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	if err := device.SetAlgoDebug(rctx, s.dev, s.src.Name, enabled, s.cfg.Autostart); err != nil {
		return fmt.Errorf("session: set algo debug=%v %s: %w", enabled, s.src.Name, err)
	}
	return nil
}

// Get returns the next frame according to opts. Frames already queued when
// the connection ends are still returned, one per call, before Get reports
// protocol.ErrConnectionLost. An empty wait returns protocol.ErrTimeout.
func (s *Session) Get(ctx context.Context, opts GetOptions) (Frame, error) {
	f, err := s.recv.get(ctx, opts)
	if err != nil {
		if errors.Is(err, protocol.ErrClosed) {
			return Frame{}, s.lostErr()
		}
		return Frame{}, err
	}
	s.applyOnceWorkaround(ctx)
	return f, nil
}

// OutputOnceChannelsInNext appends the cached once channels to the next k
// frames the session assembles. It is safe to call from any goroutine; k
// replaces an earlier request that has not been picked up yet.
func (s *Session) OutputOnceChannelsInNext(k int) {
	s.onceNext.Store(int32(max(0, k)))
}

func (s *Session) applyOnceWorkaround(ctx context.Context) {
	if !s.cfg.MissingOnceWorkaround || s.dev == nil || s.src.Format != FormatAlgoDebug || !s.once.Empty() {
		return
	}
	logs.Warnf("session.Session apply missing once channel workaround source=%s", s.src.Name)
	if err := s.setAlgoDebug(ctx, false); err != nil {
		logs.Warnf("session.Session workaround disable source=%s err=%v", s.src.Name, err)
		return
	}
	_ = sleepCtx(ctx, s.cfg.WorkaroundPause)
	if err := s.setAlgoDebug(ctx, true); err != nil {
		logs.Warnf("session.Session workaround enable source=%s err=%v", s.src.Name, err)
	}
}

// Disconnect stops delivery, disables algo debug and waits up to
// JoinTimeout for the receive goroutine. It is safe to call repeatedly.
func (s *Session) Disconnect(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	s.finished.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.recv.shut()
	s.queue.close()
	err := s.setAlgoDebug(ctx, false)
	if !s.recv.join(s.cfg.JoinTimeout) {
		logs.Warnf("session.Session.Disconnect receive goroutine still running source=%s timeout=%s", s.src.Name, s.cfg.JoinTimeout)
	}
	st := s.Stats()
	logs.Infof("session.Session.Disconnect source=%s frames=%d dropped=%d reconnects=%d", s.src.Name, st.Frames, st.ChunksDropped, st.Reconnects)
	return err
}

func (s *Session) IsAlive() bool {
	return !s.finished.Load()
}

func (s *Session) Stats() Stats {
	return Stats{
		Frames:          s.frames.Load(),
		Bytes:           s.bytes.Load(),
		ChunksDropped:   s.dropped.Load(),
		FramesAbandoned: s.abandoned.Load(),
		Reconnects:      s.reconnects.Load(),
		Queued:          s.queue.len(),
	}
}

// Err returns the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) lostErr() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: session: %s: %v", protocol.ErrConnectionLost, s.src.Name, err)
	}
	return fmt.Errorf("%w: session: %s finished", protocol.ErrConnectionLost, s.src.Name)
}

// fail ends the session after an unrecoverable receive error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.mu.Unlock()
	if s.finished.Swap(true) || s.closing.Load() {
		logs.Debugf("session.Session receive stopped source=%s err=%v", s.src.Name, err)
	} else {
		logs.Errorf("session.Session connection lost source=%s err=%v", s.src.Name, err)
	}
	s.queue.close()
}

// recover decides whether receiving continues after err. Timeouts are
// retried unless CloseOnTimeout; losses trigger AutoReconnect.
func (s *Session) recover(ctx context.Context, err error) bool {
	if s.closing.Load() {
		return false
	}
	class := protocol.Classify(err)
	if class == protocol.ClassTimeout && !s.cfg.CloseOnTimeout {
		return true
	}
	if !s.cfg.AutoReconnect {
		return false
	}
	if rerr := s.reconnect(ctx, err); rerr != nil {
		logs.Errorf("session.Session reconnect failed source=%s err=%v", s.src.Name, rerr)
		return false
	}
	return true
}

func (s *Session) reconnect(ctx context.Context, cause error) error {
	logs.Warnf("session.Session reconnect source=%s cause=%v", s.src.Name, cause)
	s.recv.shut()
	var err error
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		if err = sleepCtx(ctx, reconnectDelay(s.cfg, attempt, s.rng)); err != nil {
			return err
		}
		if s.closing.Load() {
			return protocol.ErrClosed
		}
		if err = s.openTransport(ctx); err == nil {
			s.reasm.Reset()
			s.reconnects.Add(1)
			observability.RecordReconnect(s.src.Name)
			logs.Infof("session.Session reconnected source=%s attempt=%d", s.src.Name, attempt)
			return nil
		}
		s.recv.shut()
		logs.Warnf("session.Session reconnect attempt=%d source=%s err=%v", attempt, s.src.Name, err)
	}
	return err
}

func (s *Session) setLink(l *link) {
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
}

func (s *Session) currentLink() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Session) closeLink() {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()
	if l != nil {
		_ = l.close()
	}
}

func (s *Session) outputConfig() int {
	if s.src.OutputConfig > 0 {
		return s.src.OutputConfig
	}
	return s.cfg.OutputConfig
}

func (s *Session) handleEnvelope(env envelope.Envelope) error {
	if !env.Ticket.IsResult() {
		logs.Debugf("session.Session ignore ticket=%s len=%d source=%s", env.Ticket, len(env.Content), s.src.Name)
		return nil
	}
	chunks, err := chunk.Split(env.Content)
	if err != nil {
		return err
	}
	return s.handleChunks(chunks)
}

func (s *Session) handleChunks(chunks []chunk.Chunk) error {
	if s.src.Format != FormatAlgoDebug {
		payload := chunk.Select(chunks, s.src.ChunkFilter)
		if len(payload) == 0 {
			return nil
		}
		var ts time.Time
		if len(chunks) > 0 {
			ts = dataTime(chunks[0].Header)
		}
		s.deliver(Frame{Format: s.src.Format, Payload: payload, ReceivedAt: time.Now(), DataTimestamp: ts})
		return nil
	}
	if k := s.onceNext.Swap(0); k > 0 {
		s.reasm.OutputOnceChannelsInNext(int(k))
	}
	for _, c := range chunks {
		if c.Type != chunk.AlgoDebugType {
			logs.Warnf("session.Session ignore chunk type=%d source=%s", c.Type, s.src.Name)
			continue
		}
		s.lastTS = dataTime(c.Header)
		err := s.reasm.Push(c.Payload)
		s.syncReassemblyStats()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) syncReassemblyStats() {
	st := s.reasm.Stats()
	if d := st.Dropped - s.seenDropped; d > 0 {
		s.dropped.Add(d)
		observability.RecordChunksDropped(s.src.Name, d)
	}
	if d := st.Abandoned - s.seenAbandoned; d > 0 {
		s.abandoned.Add(d)
	}
	s.seenDropped, s.seenAbandoned = st.Dropped, st.Abandoned
}

func (s *Session) emit(frameNumber uint32, payload []byte) {
	s.deliver(Frame{
		Format:        s.src.Format,
		Payload:       payload,
		FrameNumber:   frameNumber,
		ReceivedAt:    time.Now(),
		DataTimestamp: s.lastTS,
	})
}

func (s *Session) deliver(f Frame) {
	s.frames.Add(1)
	s.bytes.Add(uint64(len(f.Payload)))
	observability.RecordSessionFrame(s.src.Name, len(f.Payload))
	s.mu.Lock()
	life := s.life
	s.mu.Unlock()
	if err := s.queue.push(life, f); err != nil {
		logs.Debugf("session.Session drop frame after shutdown source=%s frame=%d err=%v", s.src.Name, f.FrameNumber, err)
	}
}

func dataTime(h chunk.ImageHeader) time.Time {
	ns := h.TimestampNS()
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

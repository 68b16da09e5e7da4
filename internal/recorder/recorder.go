package recorder

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pcicrec/internal/config"
	"github.com/danmuck/pcicrec/internal/container"
	"github.com/danmuck/pcicrec/internal/device"
	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/observability"
	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/protocol/session"
)

// NullFilename disables writing a container.
const NullFilename = "null"

// drainGrace is how long past DrainTimeout shutdown waits for a sink write
// that is already in flight.
const drainGrace = 500 * time.Millisecond

var (
	ErrNoData        = errors.New("recorder: no data received")
	ErrHostRequired  = errors.New("recorder: host required")
	ErrAlreadyActive = errors.New("recorder: already running")
)

// Config controls one recording.
type Config struct {
	Host     string
	Sources  []string
	Filename string
	// Duration 0 records until ctx ends.
	Duration time.Duration
	// MaxFrames > 0 stops after that many source frames.
	MaxFrames uint64
	// Timeout bounds each Get and each configuration RPC.
	Timeout          time.Duration
	QueueSize        int
	PushTimeout      time.Duration
	DrainTimeout     time.Duration
	JoinTimeout      time.Duration
	ProgressInterval time.Duration
	// OnceFramesAfterStart appends the once channels to that many frames
	// after each session connects.
	OnceFramesAfterStart int

	AppAutoSource                  bool
	ForceDisableMotionCompensation bool
	NoMotionCompensationGuard      bool
	Autostart                      bool

	Session   session.Config
	Container container.Options
	Catalog   config.Catalog
}

func DefaultConfig() Config {
	return Config{
		Host:             "192.168.0.69",
		Sources:          []string{"port2"},
		Timeout:          3 * time.Second,
		QueueSize:        10,
		PushTimeout:      3 * time.Second,
		DrainTimeout:     3 * time.Second,
		JoinTimeout:      3 * time.Second,
		ProgressInterval: 5 * time.Second,
		AppAutoSource:    true,
		Session:          session.DefaultConfig(),
		Catalog:          config.DefaultCatalog(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = c.Timeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.Catalog.ConfigStream == "" {
		c.Catalog = d.Catalog
	}
	return c
}

// Sink receives recorded frames; *container.Writer is the default.
type Sink interface {
	WriteFrame(stream string, payload []byte, format string, dataTimestamp time.Time) error
	Close() error
}

type Option func(*Recorder)

// WithSessionOptions passes opts to every session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *Recorder) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithSink replaces the container file with sink.
func WithSink(sink Sink) Option {
	return func(r *Recorder) { r.sink = sink }
}

// Summary reports what a recording persisted.
type Summary struct {
	Path    string
	Frames  map[string]uint64
	Total   uint64
	Elapsed time.Duration
}

// FPS returns the frame rate of source over the recording.
func (s Summary) FPS(source string) float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Frames[source]) / s.Elapsed.Seconds()
}

type item struct {
	desc  StreamDescriptor
	frame session.Frame
}

type Recorder struct {
	cfg         Config
	dev         device.Client
	sink        Sink
	sessionOpts []session.Option
	running     atomic.Bool

	mu       sync.Mutex
	plan     *Plan
	sessions []*session.Session
}

func New(cfg Config, dev device.Client, opts ...Option) (*Recorder, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, ErrHostRequired
	}
	if err := config.ValidateCatalog(cfg.Catalog); err != nil {
		return nil, fmt.Errorf("recorder: catalog: %w", err)
	}
	r := &Recorder{cfg: cfg, dev: dev}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Plan returns the resolved sources of the current or last run.
func (r *Recorder) Plan() *Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan
}

// Stats returns per-source session statistics of the current or last run.
func (r *Recorder) Stats() map[string]session.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]session.Stats, len(r.sessions))
	for _, s := range r.sessions {
		out[s.Source().Name] = s.Stats()
	}
	return out
}

// Run records until Duration, MaxFrames or ctx ends. It returns ErrNoData
// when a source produced nothing.
func (r *Recorder) Run(ctx context.Context) (Summary, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyActive
	}
	defer r.running.Store(false)
	cfg := r.cfg

	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	plan, err := Resolve(rctx, r.dev, cfg.Sources, ResolveOptions{
		AppAutoSource:                  cfg.AppAutoSource,
		ForceDisableMotionCompensation: cfg.ForceDisableMotionCompensation,
		Catalog:                        cfg.Catalog,
	})
	cancel()
	if err != nil {
		return Summary{}, err
	}
	r.mu.Lock()
	r.plan = plan
	r.mu.Unlock()

	sessions, err := r.newSessions(plan)
	if err != nil {
		return Summary{}, err
	}

	sink, path, err := r.openSink(plan)
	if err != nil {
		return Summary{}, err
	}

	var guard *motionGuard
	if !cfg.NoMotionCompensationGuard {
		mc := cfg.Catalog.MotionCompensation
		guard = newMotionGuard(r.dev, plan.Descriptors, mc.Pointer, time.Duration(mc.SettleMS)*time.Millisecond, cfg.Timeout)
		defer func() {
			if err := guard.Restore(ctx); err != nil {
				logs.Errorf("recorder.Recorder.Run restore configuration err=%v", err)
			}
		}()
		if err := guard.Apply(ctx); err != nil {
			closeSink(sink)
			return Summary{}, err
		}
	}

	summary, runErr := r.record(ctx, plan, sessions, sink)
	summary.Path = path
	return summary, runErr
}

func (r *Recorder) newSessions(plan *Plan) ([]*session.Session, error) {
	scfg := r.cfg.Session
	scfg.Autostart = r.cfg.Autostart
	if scfg.RPCTimeout <= 0 {
		scfg.RPCTimeout = r.cfg.Timeout
	}
	sessions := make([]*session.Session, 0, len(plan.Descriptors))
	for _, d := range plan.Descriptors {
		s, err := session.New(scfg, d.SessionSource(r.cfg.Host), r.dev, r.sessionOpts...)
		if err != nil {
			return nil, fmt.Errorf("recorder: session %s: %w", d.Source, err)
		}
		sessions = append(sessions, s)
	}
	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
	return sessions, nil
}

func (r *Recorder) openSink(plan *Plan) (Sink, string, error) {
	if r.sink != nil {
		return r.sink, "", nil
	}
	name := r.cfg.Filename
	if name == "" {
		name = time.Now().Format("O3R_AD_20060102_150405")
	}
	if name == NullFilename {
		logs.Infof("recorder.Recorder.Run filename=null, frames are not persisted")
		return nil, "", nil
	}
	defs := []container.StreamDef{{ID: 0, Name: r.cfg.Catalog.ConfigStream, Format: "json"}}
	for _, d := range plan.Descriptors {
		defs = append(defs, container.StreamDef{
			ID:     d.StreamID,
			Name:   d.Stream,
			Format: d.Format,
			Source: d.Source,
			Sensor: d.Sensor,
		})
	}
	opts := r.cfg.Container
	attrs := maps.Clone(opts.Attrs)
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["host"] = r.cfg.Host
	if plan.Firmware != "" {
		attrs["firmware"] = plan.Firmware
	}
	opts.Attrs = attrs
	w, err := container.Create(name, defs, opts)
	if err != nil {
		return nil, "", err
	}
	return w, w.Path(), nil
}

func closeSink(sink Sink) {
	if sink == nil {
		return
	}
	if err := sink.Close(); err != nil {
		logs.Errorf("recorder.Recorder close sink err=%v", err)
	}
}

// closeSinkWithin gives up on a Close that does not return in timeout.
func closeSinkWithin(sink Sink, timeout time.Duration) {
	if sink == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		closeSink(sink)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logs.Warnf("recorder.Recorder.Run close sink timed out (ignored) timeout=%s", timeout)
	}
}

func (r *Recorder) record(ctx context.Context, plan *Plan, sessions []*session.Session, sink Sink) (Summary, error) {
	cfg := r.cfg
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, cfg.Duration)
		defer cancel()
	}

	counts := make(map[string]*atomic.Uint64, len(plan.Descriptors))
	for _, d := range plan.Descriptors {
		counts[d.Source] = &atomic.Uint64{}
	}
	items := make(chan item, cfg.QueueSize)
	c := &consumer{
		sink:      sink,
		items:     items,
		counts:    counts,
		config:    plan.Document,
		stream:    cfg.Catalog.ConfigStream,
		maxFrames: cfg.MaxFrames,
		full:      make(chan struct{}),
		drain:     make(chan time.Duration),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()

	start := time.Now()
	logs.Infof("recorder.Recorder.Run start sources=%v duration=%s file=%v", plan.Sources(), cfg.Duration, sink != nil)

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(s *session.Session, d StreamDescriptor) {
			defer wg.Done()
			r.worker(runCtx, s, d, items)
		}(s, plan.Descriptors[i])
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	ticker := time.NewTicker(cfg.ProgressInterval)
	defer ticker.Stop()
	reason := "context done"
loop:
	for {
		select {
		case <-runCtx.Done():
			if ctx.Err() == nil {
				reason = "duration elapsed"
			}
			break loop
		case <-c.full:
			reason = "frame limit reached"
			break loop
		case <-c.done:
			reason = "write failed"
			break loop
		case <-workersDone:
			reason = "all sources stopped"
			break loop
		case <-ticker.C:
			logs.Infof("recorder.Recorder.Run progress %s", progress(plan, counts))
		}
	}
	logs.Infof("recorder.Recorder.Run stopping reason=%q", reason)

	stop()
	if !c.finish(cfg.DrainTimeout) {
		logs.Warnf("recorder.Recorder.Run sink stalled, abandoning queued=%d timeout=%s", len(items), cfg.DrainTimeout+drainGrace)
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
	for _, s := range sessions {
		if err := s.Disconnect(dctx); err != nil {
			logs.Warnf("recorder.Recorder.Run disconnect source=%s err=%v", s.Source().Name, err)
		}
	}
	cancel()
	select {
	case <-workersDone:
	case <-time.After(cfg.JoinTimeout):
		logs.Warnf("recorder.Recorder.Run joining workers failed (ignored) timeout=%s", cfg.JoinTimeout)
	}
	if n := len(items); n > 0 {
		logs.Warnf("recorder.Recorder.Run frames left unwritten queued=%d", n)
	}
	closeSinkWithin(sink, cfg.JoinTimeout)

	summary := Summary{Frames: map[string]uint64{}, Elapsed: time.Since(start)}
	for src, n := range counts {
		summary.Frames[src] = n.Load()
		summary.Total += n.Load()
	}
	logs.Infof("recorder.Recorder.Run wrote frames=%d elapsed=%s", summary.Total, summary.Elapsed.Round(time.Millisecond))
	var empty []string
	for _, src := range plan.Sources() {
		logs.Infof("recorder.Recorder.Run source=%s frames=%d fps=%.1f", src, summary.Frames[src], summary.FPS(src))
		if summary.Frames[src] == 0 {
			empty = append(empty, src)
		}
	}
	if err := c.err(); err != nil {
		return summary, err
	}
	if len(empty) > 0 {
		return summary, fmt.Errorf("%w: %s", ErrNoData, strings.Join(empty, ","))
	}
	return summary, nil
}

func progress(plan *Plan, counts map[string]*atomic.Uint64) string {
	parts := make([]string, 0, len(counts))
	for _, src := range plan.Sources() {
		parts = append(parts, fmt.Sprintf("%s=%d", src, counts[src].Load()))
	}
	return strings.Join(parts, " ")
}

func (r *Recorder) worker(ctx context.Context, s *session.Session, d StreamDescriptor, items chan<- item) {
	src := d.Source
	defer logs.Debugf("recorder.worker stopped source=%s", src)
	// set before Connect so the first received frames see it
	if n := r.cfg.OnceFramesAfterStart; n > 0 {
		s.OutputOnceChannelsInNext(n)
	}
	if err := s.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			logs.Errorf("recorder.worker connect source=%s err=%v", src, err)
		}
		return
	}
	for {
		f, err := s.Get(ctx, session.Wait(r.cfg.Timeout))
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case protocol.IsTimeout(err):
			logs.Debugf("recorder.worker get timeout source=%s", src)
			continue
		default:
			if s.IsAlive() {
				logs.Errorf("recorder.worker connection to algo debug lost source=%s err=%v", src, err)
			} else {
				logs.Warnf("recorder.worker source stopped source=%s err=%v", src, err)
			}
			return
		}
		if !push(ctx, items, item{desc: d, frame: f}, r.cfg.PushTimeout) {
			return
		}
	}
}

// push retries on PushTimeout until the item is queued or ctx ends. Nothing
// is queued once ctx is done.
func push(ctx context.Context, items chan<- item, it item, timeout time.Duration) bool {
	if ctx.Err() != nil {
		logs.Debugf("recorder.push dropped on shutdown source=%s frame=%d", it.desc.Source, it.frame.FrameNumber)
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case items <- it:
			observability.SetQueueDepth(len(items))
			return true
		case <-ctx.Done():
			logs.Debugf("recorder.push dropped on shutdown source=%s frame=%d", it.desc.Source, it.frame.FrameNumber)
			return false
		case <-timer.C:
			observability.RecordPushRetry(it.desc.Source)
			logs.Warnf("recorder.push queue full source=%s depth=%d, retrying", it.desc.Source, len(items))
			timer.Reset(timeout)
		}
	}
}

// consumer drains the merge queue into the sink on its own goroutine.
type consumer struct {
	sink      Sink
	items     chan item
	counts    map[string]*atomic.Uint64
	config    []byte
	stream    string
	maxFrames uint64

	total     uint64
	wroteJSON bool
	full      chan struct{}
	drain     chan time.Duration
	quit      chan struct{}
	done      chan struct{}

	mu      sync.Mutex
	lastErr error
}

func (c *consumer) run() {
	defer close(c.done)
	for {
		select {
		case it := <-c.items:
			if !c.write(it) {
				return
			}
		case timeout := <-c.drain:
			c.drainFor(timeout)
			return
		case <-c.quit:
			return
		}
	}
}

func (c *consumer) drainFor(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-c.quit:
			return
		case it := <-c.items:
			if !c.write(it) {
				return
			}
		default:
			return
		}
	}
	if n := len(c.items); n > 0 {
		logs.Warnf("recorder.consumer drain timeout, discarding queued=%d", n)
	}
}

// finish asks the consumer to drain and waits up to timeout plus
// drainGrace for it. It returns false when the consumer is still stuck in
// the sink; the consumer is then told to quit after its current write.
func (c *consumer) finish(timeout time.Duration) bool {
	timer := time.NewTimer(timeout + drainGrace)
	defer timer.Stop()
	select {
	case c.drain <- timeout:
	case <-c.done:
		return true
	case <-timer.C:
		close(c.quit)
		return false
	}
	select {
	case <-c.done:
		return true
	case <-timer.C:
		close(c.quit)
		return false
	}
}

func (c *consumer) write(it item) bool {
	observability.SetQueueDepth(len(c.items))
	if c.maxFrames > 0 && c.total >= c.maxFrames {
		return true
	}
	if c.sink != nil {
		if !c.wroteJSON {
			if err := c.sink.WriteFrame(c.stream, c.config, "json", time.Now()); err != nil {
				c.fail(err)
				return false
			}
			c.wroteJSON = true
		}
		f := it.frame
		if err := c.sink.WriteFrame(it.desc.Stream, f.Payload, f.Format, f.DataTimestamp); err != nil {
			c.fail(fmt.Errorf("recorder: write %s: %w", it.desc.Stream, err))
			return false
		}
	}
	c.counts[it.desc.Source].Add(1)
	c.total++
	logs.Tracef("recorder.consumer wrote source=%s frame=%d bytes=%d", it.desc.Source, it.frame.FrameNumber, len(it.frame.Payload))
	if c.maxFrames > 0 && c.total == c.maxFrames {
		close(c.full)
	}
	return true
}

func (c *consumer) fail(err error) {
	logs.Errorf("recorder.consumer err=%v", err)
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *consumer) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Sources returns the stream names of a summary in sorted order.
func (s Summary) Sources() []string {
	return slices.Sorted(maps.Keys(s.Frames))
}

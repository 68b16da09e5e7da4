package reassembly

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/protocol/chunk"
)

const (
	MagicFrameStart uint32 = 0xffffdeda
	MagicFrameEnd   uint32 = 0xadedffff

	DefaultMaxPendingFrames = 64
)

var (
	ErrChannelOutOfRange = errors.New("reassembly: channel index out of range")
	ErrSplitOutOfRange   = errors.New("reassembly: split exceeds channel size")
	ErrChannelSize       = errors.New("reassembly: channel size changed between splits")
	ErrIncompleteChannel = errors.New("reassembly: last split does not end the channel")
	ErrNoChannels        = errors.New("reassembly: frame declares zero channels")
)

// Emitter receives each complete frame in ascending frame order.
type Emitter func(frameNumber uint32, payload []byte)

// OnceRepetition appends the once channels to every Every-th frame.
// Every <= 0 disables repetition.
type OnceRepetition struct {
	Every int
}

func (p OnceRepetition) due(frameNumber uint32) bool {
	return p.Every > 0 && frameNumber > 0 && frameNumber%uint32(p.Every) == 0
}

// OnceChannels caches the channel set of frame 0. It outlives a single
// reassembler so a reconnected session keeps the cache.
type OnceChannels struct {
	mu       sync.RWMutex
	channels [][]byte
}

func (o *OnceChannels) set(channels [][]byte) {
	o.mu.Lock()
	o.channels = channels
	o.mu.Unlock()
}

// Empty reports whether frame 0 has not been seen yet.
func (o *OnceChannels) Empty() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.channels) == 0
}

// Channels returns the cached channels in index order.
func (o *OnceChannels) Channels() [][]byte {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.channels)
}

type Options struct {
	Repetition       OnceRepetition
	MaxPendingFrames int
}

type Stats struct {
	Emitted   uint64
	Dropped   uint64
	Abandoned uint64
}

type pendingChannel struct {
	buf  []byte
	done bool
}

type pendingFrame struct {
	channels []pendingChannel
}

func (f *pendingFrame) complete() bool {
	for _, c := range f.channels {
		if !c.done {
			return false
		}
	}
	return true
}

// Reassembler turns algo-debug channel splits into complete frames. It is
// not safe for concurrent use; a session drives it from one goroutine.
type Reassembler struct {
	once *OnceChannels
	emit Emitter
	opts Options

	frames      map[uint32]*pendingFrame
	newInstance bool
	onceNext    int
	stats       Stats
}

func New(once *OnceChannels, emit Emitter, opts Options) *Reassembler {
	if once == nil {
		once = &OnceChannels{}
	}
	if opts.MaxPendingFrames <= 0 {
		opts.MaxPendingFrames = DefaultMaxPendingFrames
	}
	return &Reassembler{
		once:        once,
		emit:        emit,
		opts:        opts,
		frames:      make(map[uint32]*pendingFrame),
		newInstance: true,
	}
}

// Reset drops pending frames and waits for the next channel 0 before
// accepting data again. Call it whenever the underlying stream restarts.
func (r *Reassembler) Reset() {
	clear(r.frames)
	r.newInstance = true
}

// OutputOnceChannelsInNext appends the once channels to the next k
// emitted frames after frame 0.
func (r *Reassembler) OutputOnceChannelsInNext(k int) {
	r.onceNext = max(0, k)
}

// Push decodes one algo-debug chunk payload and feeds it in.
func (r *Reassembler) Push(payload []byte) error {
	h, data, err := chunk.DecodeChannel(payload)
	if err != nil {
		return err
	}
	return r.PushChannel(h, data)
}

// PushChannel adds one split. Complete leading frames are emitted before
// it returns.
func (r *Reassembler) PushChannel(h chunk.ChannelHeader, data []byte) error {
	if r.newInstance {
		if h.ChannelIdx != 0 {
			r.stats.Dropped++
			return nil
		}
		r.newInstance = false
	}

	f, ok := r.frames[h.FrameNumber]
	if !ok {
		if h.SplitIdx != 0 {
			r.stats.Dropped++
			logs.Warnf("reassembly.Reassembler.PushChannel drop split without history frame=%d channel=%d split=%d", h.FrameNumber, h.ChannelIdx, h.SplitIdx)
			return nil
		}
		if h.NumChannels == 0 {
			return fmt.Errorf("%w: %w: frame=%d", protocol.ErrMalformed, ErrNoChannels, h.FrameNumber)
		}
		r.evictOldest()
		f = &pendingFrame{channels: make([]pendingChannel, h.NumChannels)}
		r.frames[h.FrameNumber] = f
	}

	if int(h.ChannelIdx) >= len(f.channels) {
		return fmt.Errorf("%w: %w: frame=%d channel=%d of %d", protocol.ErrMalformed, ErrChannelOutOfRange, h.FrameNumber, h.ChannelIdx, len(f.channels))
	}
	c := &f.channels[h.ChannelIdx]
	if c.buf == nil {
		c.buf = make([]byte, h.TotalChannelSize)
	} else if uint64(len(c.buf)) != uint64(h.TotalChannelSize) {
		return fmt.Errorf("%w: %w: frame=%d channel=%d have=%d got=%d", protocol.ErrMalformed, ErrChannelSize, h.FrameNumber, h.ChannelIdx, len(c.buf), h.TotalChannelSize)
	}
	end := uint64(h.SplitOffset) + uint64(len(data))
	if end > uint64(len(c.buf)) {
		return fmt.Errorf("%w: %w: frame=%d channel=%d end=%d size=%d", protocol.ErrMalformed, ErrSplitOutOfRange, h.FrameNumber, h.ChannelIdx, end, len(c.buf))
	}
	copy(c.buf[h.SplitOffset:], data)

	if !h.IsLastSplit() {
		return nil
	}
	if end != uint64(len(c.buf)) {
		return fmt.Errorf("%w: %w: frame=%d channel=%d end=%d size=%d", protocol.ErrMalformed, ErrIncompleteChannel, h.FrameNumber, h.ChannelIdx, end, len(c.buf))
	}
	c.done = true
	r.output()
	return nil
}

// Abandon discards one pending frame and emits any frames it was holding
// back. It reports whether the frame was pending.
func (r *Reassembler) Abandon(frameNumber uint32) bool {
	if _, ok := r.frames[frameNumber]; !ok {
		return false
	}
	delete(r.frames, frameNumber)
	r.stats.Abandoned++
	r.output()
	return true
}

// Pending returns the number of frames still accumulating.
func (r *Reassembler) Pending() int {
	return len(r.frames)
}

func (r *Reassembler) Stats() Stats {
	return r.stats
}

// OnceFrame returns the cached once channels wrapped in frame markers.
func (r *Reassembler) OnceFrame() []byte {
	return wrap(nil, r.once.Channels())
}

func (r *Reassembler) evictOldest() {
	for len(r.frames) >= r.opts.MaxPendingFrames {
		oldest := slices.Min(slices.Collect(maps.Keys(r.frames)))
		logs.Warnf("reassembly.Reassembler abandon stale frame=%d pending=%d", oldest, len(r.frames))
		delete(r.frames, oldest)
		r.stats.Abandoned++
	}
}

func (r *Reassembler) output() {
	keys := slices.Sorted(maps.Keys(r.frames))
	for _, fn := range keys {
		f := r.frames[fn]
		if !f.complete() {
			logs.Debugf("reassembly.Reassembler.output waiting frame=%d pending=%d", fn, len(r.frames))
			return
		}
		parts := make([][]byte, len(f.channels))
		for i := range f.channels {
			parts[i] = f.channels[i].buf
		}
		if fn == 0 {
			r.once.set(slices.Clone(parts))
		}
		var extra [][]byte
		// frame 0 already carries the once channels.
		if fn > 0 && (r.opts.Repetition.due(fn) || r.onceNext > 0) {
			r.onceNext = max(0, r.onceNext-1)
			extra = r.once.Channels()
		}
		delete(r.frames, fn)
		r.stats.Emitted++
		if r.emit != nil {
			r.emit(fn, wrap(parts, extra))
		}
	}
}

func wrap(parts, extra [][]byte) []byte {
	n := 8
	for _, p := range parts {
		n += len(p)
	}
	for _, p := range extra {
		n += len(p)
	}
	out := make([]byte, 0, n)
	out = binary.LittleEndian.AppendUint32(out, MagicFrameStart)
	for _, p := range parts {
		out = append(out, p...)
	}
	for _, p := range extra {
		out = append(out, p...)
	}
	return binary.LittleEndian.AppendUint32(out, MagicFrameEnd)
}

package reassembly

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/protocol/chunk"
	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

type emitted struct {
	fn      uint32
	payload []byte
}

type collector struct {
	frames []emitted
}

func (c *collector) emit(fn uint32, payload []byte) {
	c.frames = append(c.frames, emitted{fn: fn, payload: payload})
}

type split struct {
	h    chunk.ChannelHeader
	data []byte
}

// splitChannel cuts data into k splits of channel idx.
func splitChannel(fn uint32, idx, numChannels uint16, data []byte, k int) []split {
	out := make([]split, 0, k)
	size := (len(data) + k - 1) / k
	for i := 0; i < k; i++ {
		lo := min(i*size, len(data))
		hi := min(lo+size, len(data))
		out = append(out, split{
			h: chunk.ChannelHeader{
				FrameNumber:      fn,
				ChannelIdx:       idx,
				NumChannels:      numChannels,
				NumSplits:        uint16(k),
				SplitIdx:         uint16(i),
				TotalChannelSize: uint32(len(data)),
				SplitSize:        uint32(hi - lo),
				SplitOffset:      uint32(lo),
			},
			data: data[lo:hi],
		})
	}
	return out
}

func framed(parts ...[]byte) []byte {
	out := binary.LittleEndian.AppendUint32(nil, MagicFrameStart)
	for _, p := range parts {
		out = append(out, p...)
	}
	return binary.LittleEndian.AppendUint32(out, MagicFrameEnd)
}

func pushAll(t *testing.T, r *Reassembler, splits []split) {
	t.Helper()
	for _, s := range splits {
		if err := r.PushChannel(s.h, s.data); err != nil {
			t.Fatalf("push frame=%d channel=%d split=%d: %v", s.h.FrameNumber, s.h.ChannelIdx, s.h.SplitIdx, err)
		}
	}
}

func TestRoundTripConcatenatesChannelsInIndexOrder(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{})
	ch := [][]byte{[]byte("alpha"), []byte("bravo-"), []byte("c")}
	for i, data := range ch {
		pushAll(t, r, splitChannel(3, uint16(i), 3, data, 1))
	}
	if len(c.frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(c.frames))
	}
	if c.frames[0].fn != 3 || !bytes.Equal(c.frames[0].payload, framed(ch...)) {
		t.Fatalf("unexpected frame fn=%d payload=%x", c.frames[0].fn, c.frames[0].payload)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected no pending frames, got %d", r.Pending())
	}
}

func TestShuffledSplitsMatchSingleSplit(t *testing.T) {
	testlog.Start(t)
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	rng := rand.New(rand.NewPCG(1, 2))

	for _, k := range []int{1, 2, 7, 33} {
		var whole, shuffled collector
		pushAll(t, New(nil, whole.emit, Options{}), splitChannel(1, 0, 1, data, 1))

		splits := splitChannel(1, 0, 1, data, k)
		// split 0 creates the frame; shuffle the rest
		rest := splits[1:]
		rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
		// the last split closes the channel, so move it to the end
		for i, s := range rest {
			if s.h.IsLastSplit() {
				rest[i], rest[len(rest)-1] = rest[len(rest)-1], rest[i]
				break
			}
		}
		pushAll(t, New(nil, shuffled.emit, Options{}), splits)

		if len(shuffled.frames) != 1 || !bytes.Equal(shuffled.frames[0].payload, whole.frames[0].payload) {
			t.Fatalf("k=%d: shuffled reassembly differs", k)
		}
	}
}

func TestLaterFrameWaitsForEarlierFrame(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{})

	f1 := append(splitChannel(1, 0, 2, []byte("one-a"), 1), splitChannel(1, 1, 2, []byte("one-b"), 1)...)
	f2 := append(splitChannel(2, 0, 2, []byte("two-a"), 1), splitChannel(2, 1, 2, []byte("two-b"), 1)...)

	pushAll(t, r, f1[:1])
	pushAll(t, r, f2)
	if len(c.frames) != 0 {
		t.Fatalf("frame 2 emitted ahead of frame 1")
	}
	pushAll(t, r, f1[1:])
	if len(c.frames) != 2 || c.frames[0].fn != 1 || c.frames[1].fn != 2 {
		t.Fatalf("unexpected emission order: %+v", c.frames)
	}
}

func TestAbandonReleasesLaterFrames(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{})
	pushAll(t, r, splitChannel(1, 0, 2, []byte("stuck"), 1))
	pushAll(t, r, append(splitChannel(2, 0, 2, []byte("a"), 1), splitChannel(2, 1, 2, []byte("b"), 1)...))
	if len(c.frames) != 0 {
		t.Fatalf("expected frame 2 to wait")
	}
	if !r.Abandon(1) {
		t.Fatalf("expected frame 1 to be pending")
	}
	if len(c.frames) != 1 || c.frames[0].fn != 2 {
		t.Fatalf("expected frame 2 after abandon, got %+v", c.frames)
	}
	if r.Abandon(1) {
		t.Fatalf("abandon of unknown frame should report false")
	}
	if got := r.Stats().Abandoned; got != 1 {
		t.Fatalf("expected one abandoned frame, got %d", got)
	}
}

func TestMaxPendingFramesEvictsOldest(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{MaxPendingFrames: 2})
	for fn := uint32(1); fn <= 3; fn++ {
		pushAll(t, r, splitChannel(fn, 0, 2, []byte("x"), 1))
	}
	if r.Pending() != 2 {
		t.Fatalf("expected 2 pending frames, got %d", r.Pending())
	}
	pushAll(t, r, splitChannel(2, 1, 2, []byte("y"), 1))
	if len(c.frames) != 1 || c.frames[0].fn != 2 {
		t.Fatalf("expected frame 2 emitted after eviction of frame 1, got %+v", c.frames)
	}
}

func TestNewInstanceGuardDropsUntilChannelZero(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{})

	// mid-frame data from before we connected
	pushAll(t, r, splitChannel(4, 1, 2, []byte("late"), 1))
	pushAll(t, r, splitChannel(4, 1, 2, []byte("late"), 2)[1:])
	if r.Pending() != 0 || len(c.frames) != 0 {
		t.Fatalf("guard let data through: pending=%d frames=%d", r.Pending(), len(c.frames))
	}

	pushAll(t, r, splitChannel(5, 0, 2, []byte("zero"), 1))
	pushAll(t, r, splitChannel(5, 1, 2, []byte("one"), 1))
	if len(c.frames) != 1 || !bytes.Equal(c.frames[0].payload, framed([]byte("zero"), []byte("one"))) {
		t.Fatalf("unexpected frames after guard: %+v", c.frames)
	}

	r.Reset()
	pushAll(t, r, splitChannel(6, 1, 2, []byte("one"), 1))
	if r.Pending() != 0 {
		t.Fatalf("reset did not re-arm the guard")
	}
	if got := r.Stats().Dropped; got != 3 {
		t.Fatalf("expected 3 dropped splits, got %d", got)
	}
}

func TestSplitWithoutHistoryIsDropped(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{})
	pushAll(t, r, splitChannel(1, 0, 1, []byte("ok"), 1))

	splits := splitChannel(2, 0, 1, []byte("abcdef"), 3)
	pushAll(t, r, splits[1:])
	if r.Pending() != 0 || len(c.frames) != 1 {
		t.Fatalf("expected frame 2 splits dropped: pending=%d frames=%d", r.Pending(), len(c.frames))
	}
}

func TestMalformedSplitsReturnErrors(t *testing.T) {
	testlog.Start(t)
	r := New(nil, nil, Options{})
	pushAll(t, r, splitChannel(1, 0, 2, []byte("abcd"), 2)[:1])

	cases := []struct {
		name string
		h    chunk.ChannelHeader
		data []byte
		want error
	}{
		{"channel", chunk.ChannelHeader{FrameNumber: 1, ChannelIdx: 5, NumChannels: 2, NumSplits: 1, TotalChannelSize: 1}, []byte("x"), ErrChannelOutOfRange},
		{"offset", chunk.ChannelHeader{FrameNumber: 1, ChannelIdx: 0, NumChannels: 2, NumSplits: 2, SplitIdx: 1, TotalChannelSize: 4, SplitOffset: 3}, []byte("xy"), ErrSplitOutOfRange},
		{"size", chunk.ChannelHeader{FrameNumber: 1, ChannelIdx: 0, NumChannels: 2, NumSplits: 2, SplitIdx: 1, TotalChannelSize: 9}, []byte("x"), ErrChannelSize},
		{"short", chunk.ChannelHeader{FrameNumber: 1, ChannelIdx: 0, NumChannels: 2, NumSplits: 2, SplitIdx: 1, TotalChannelSize: 4, SplitOffset: 1}, []byte("x"), ErrIncompleteChannel},
		{"zero", chunk.ChannelHeader{FrameNumber: 9, ChannelIdx: 0, NumChannels: 0, NumSplits: 1}, nil, ErrNoChannels},
	}
	for _, tc := range cases {
		err := r.PushChannel(tc.h, tc.data)
		if !errors.Is(err, tc.want) || !errors.Is(err, protocol.ErrMalformed) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestOnceChannelsRepetition(t *testing.T) {
	testlog.Start(t)
	var c collector
	once := &OnceChannels{}
	r := New(once, c.emit, Options{Repetition: OnceRepetition{Every: 2}})

	pushAll(t, r, splitChannel(0, 0, 1, []byte("calib"), 1))
	if once.Empty() {
		t.Fatalf("frame 0 should populate once channels")
	}
	for fn := uint32(1); fn <= 4; fn++ {
		pushAll(t, r, splitChannel(fn, 0, 1, []byte("img"), 1))
	}
	r.OutputOnceChannelsInNext(1)
	pushAll(t, r, splitChannel(5, 0, 1, []byte("img"), 1))

	plain := framed([]byte("img"))
	withOnce := framed([]byte("img"), []byte("calib"))
	want := map[uint32][]byte{0: framed([]byte("calib")), 1: plain, 2: withOnce, 3: plain, 4: withOnce, 5: withOnce}
	if len(c.frames) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(c.frames))
	}
	for _, f := range c.frames {
		if !bytes.Equal(f.payload, want[f.fn]) {
			t.Fatalf("frame %d: got=%q want=%q", f.fn, f.payload, want[f.fn])
		}
	}
	if !bytes.Equal(r.OnceFrame(), framed([]byte("calib"))) {
		t.Fatalf("unexpected once frame %q", r.OnceFrame())
	}
}

func TestOnceRequestSkipsFrameZero(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{})
	r.OutputOnceChannelsInNext(1)
	pushAll(t, r, splitChannel(0, 0, 1, []byte("calib"), 1))
	pushAll(t, r, splitChannel(1, 0, 1, []byte("img"), 1))
	pushAll(t, r, splitChannel(2, 0, 1, []byte("img"), 1))

	want := [][]byte{framed([]byte("calib")), framed([]byte("img"), []byte("calib")), framed([]byte("img"))}
	if len(c.frames) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(c.frames))
	}
	for i, f := range c.frames {
		if !bytes.Equal(f.payload, want[i]) {
			t.Fatalf("frame %d: got=%q want=%q", f.fn, f.payload, want[i])
		}
	}
}

func TestPushDecodesPort2Example(t *testing.T) {
	testlog.Start(t)
	var c collector
	r := New(nil, c.emit, Options{})
	for idx := uint16(0); idx < 2; idx++ {
		payload := chunk.EncodeChannel(chunk.ChannelHeader{
			FrameNumber: 5, ChannelIdx: idx, NumChannels: 2, NumSplits: 1, TotalChannelSize: 10,
		}, bytes.Repeat([]byte{byte('a' + idx)}, 10))
		if err := r.Push(payload); err != nil {
			t.Fatalf("push channel %d: %v", idx, err)
		}
	}
	if len(c.frames) != 1 || c.frames[0].fn != 5 {
		t.Fatalf("expected frame 5, got %+v", c.frames)
	}
	if got := len(c.frames[0].payload); got != 20+8 {
		t.Fatalf("expected 20 payload bytes plus markers, got %d", got)
	}
}

package chunk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

func TestSplitWalksChunksInOrder(t *testing.T) {
	testlog.Start(t)
	content := EncodeContent([]Chunk{
		{Type: AlgoDebugType, Header: ImageHeader{FrameCount: 7, TimestampSeconds: 2, TimestampNano: 5}, Payload: []byte("abc")},
		{Type: 421, Metadata: []byte("meta-v3"), Payload: []byte("jpeg")},
		{Type: 260, Payload: nil},
	})
	chunks, err := Split(content)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Type != AlgoDebugType || string(chunks[0].Payload) != "abc" || chunks[0].Header.FrameCount != 7 {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
	if got := chunks[0].Header.TimestampNS(); got != 2_000_000_005 {
		t.Fatalf("unexpected timestamp %d", got)
	}
	if chunks[1].Header.HeaderVersion != 3 || string(chunks[1].Metadata) != "meta-v3" || string(chunks[1].Payload) != "jpeg" {
		t.Fatalf("unexpected v3 chunk: %+v", chunks[1])
	}
	if chunks[2].Type != 260 || len(chunks[2].Payload) != 0 {
		t.Fatalf("unexpected empty chunk: %+v", chunks[2])
	}
}

func TestSplitRequiresStartMarker(t *testing.T) {
	testlog.Start(t)
	_, err := Split([]byte("stopstop"))
	if !errors.Is(err, ErrMissingStart) || !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("expected malformed missing start, got %v", err)
	}
}

func TestSplitStopsOnTruncatedHeader(t *testing.T) {
	testlog.Start(t)
	content := EncodeContent([]Chunk{{Type: AlgoDebugType, Payload: []byte("x")}})
	content = content[:len(content)-4] // drop stop
	content = append(content, 1, 0, 0, 0, 9, 9)
	chunks, err := Split(content)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected the complete chunk only, got %d", len(chunks))
	}
}

func TestSplitRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	content := EncodeContent([]Chunk{{Type: AlgoDebugType, Payload: []byte("abcdef")}})
	// cut inside the payload and keep no stop marker
	_, err := Split(content[:len(content)-7])
	if !errors.Is(err, ErrBadChunkSize) {
		t.Fatalf("expected ErrBadChunkSize, got %v", err)
	}
}

func TestSelectOrdersByFilter(t *testing.T) {
	testlog.Start(t)
	chunks := []Chunk{
		{Type: 260, Payload: []byte("info")},
		{Type: 421, Payload: []byte("jpeg")},
	}
	if got := Select(chunks, []uint32{421, 260}); string(got) != "jpeginfo" {
		t.Fatalf("unexpected selection %q", got)
	}
	if got := Select(chunks, []uint32{421, 999}); got != nil {
		t.Fatalf("missing id should yield nil, got %q", got)
	}
	if got := Select(chunks, nil); got != nil {
		t.Fatalf("empty filter should yield nil")
	}
}

func TestChannelRoundTrip(t *testing.T) {
	testlog.Start(t)
	h := ChannelHeader{
		ID: 1, FrameNumber: 5, ChannelIdx: 1, NumChannels: 2,
		NumSplits: 3, SplitIdx: 2, TotalChannelSize: 30, SplitOffset: 20,
	}
	payload := EncodeChannel(h, bytes.Repeat([]byte{0xAB}, 10))
	if len(payload) != ChannelHeaderLen+10 {
		t.Fatalf("unexpected payload length %d", len(payload))
	}
	got, data, err := DecodeChannel(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h.SplitSize = 10
	if got != h {
		t.Fatalf("header mismatch: got=%+v want=%+v", got, h)
	}
	if len(data) != 10 || !got.IsLastSplit() {
		t.Fatalf("unexpected data len=%d last=%v", len(data), got.IsLastSplit())
	}
}

func TestDecodeChannelRejectsShortAndMismatched(t *testing.T) {
	testlog.Start(t)
	if _, _, err := DecodeChannel(make([]byte, 10)); !errors.Is(err, ErrShortChannelHeader) {
		t.Fatalf("expected ErrShortChannelHeader, got %v", err)
	}
	payload := EncodeChannel(ChannelHeader{NumChannels: 1, NumSplits: 1, TotalChannelSize: 4}, []byte("abcd"))
	if _, _, err := DecodeChannel(payload[:len(payload)-1]); !errors.Is(err, ErrSplitSizeMismatch) {
		t.Fatalf("expected ErrSplitSizeMismatch, got %v", err)
	}
}

package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/pcicrec/internal/protocol"
)

// ChannelHeaderLen is the fixed size of ChannelHeader on the wire.
const ChannelHeaderLen = 28

var (
	ErrShortChannelHeader = errors.New("chunk: short channel header")
	ErrSplitSizeMismatch  = errors.New("chunk: split size does not match payload")
)

// ChannelHeader prefixes every algo-debug chunk payload and locates one
// split of one channel within one frame.
type ChannelHeader struct {
	ID               uint32
	FrameNumber      uint32
	ChannelIdx       uint16
	NumChannels      uint16
	NumSplits        uint16
	SplitIdx         uint16
	TotalChannelSize uint32
	SplitSize        uint32
	SplitOffset      uint32
}

// IsLastSplit reports whether this split completes its channel.
func (h ChannelHeader) IsLastSplit() bool {
	return h.NumSplits > 0 && h.SplitIdx == h.NumSplits-1
}

func EncodeChannelHeader(h ChannelHeader) []byte {
	buf := make([]byte, ChannelHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.ID)
	binary.LittleEndian.PutUint32(buf[4:8], h.FrameNumber)
	binary.LittleEndian.PutUint16(buf[8:10], h.ChannelIdx)
	binary.LittleEndian.PutUint16(buf[10:12], h.NumChannels)
	binary.LittleEndian.PutUint16(buf[12:14], h.NumSplits)
	binary.LittleEndian.PutUint16(buf[14:16], h.SplitIdx)
	binary.LittleEndian.PutUint32(buf[16:20], h.TotalChannelSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.SplitSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.SplitOffset)
	return buf
}

func DecodeChannelHeader(b []byte) (ChannelHeader, error) {
	if len(b) < ChannelHeaderLen {
		return ChannelHeader{}, fmt.Errorf("%w: %w: %d bytes", protocol.ErrMalformed, ErrShortChannelHeader, len(b))
	}
	return ChannelHeader{
		ID:               binary.LittleEndian.Uint32(b[0:4]),
		FrameNumber:      binary.LittleEndian.Uint32(b[4:8]),
		ChannelIdx:       binary.LittleEndian.Uint16(b[8:10]),
		NumChannels:      binary.LittleEndian.Uint16(b[10:12]),
		NumSplits:        binary.LittleEndian.Uint16(b[12:14]),
		SplitIdx:         binary.LittleEndian.Uint16(b[14:16]),
		TotalChannelSize: binary.LittleEndian.Uint32(b[16:20]),
		SplitSize:        binary.LittleEndian.Uint32(b[20:24]),
		SplitOffset:      binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// DecodeChannel splits an algo-debug chunk payload into header and split
// bytes. The returned data aliases payload.
func DecodeChannel(payload []byte) (ChannelHeader, []byte, error) {
	h, err := DecodeChannelHeader(payload)
	if err != nil {
		return ChannelHeader{}, nil, err
	}
	data := payload[ChannelHeaderLen:]
	if uint64(h.SplitSize) != uint64(len(data)) {
		return h, nil, fmt.Errorf("%w: %w: header=%d payload=%d", protocol.ErrMalformed, ErrSplitSizeMismatch, h.SplitSize, len(data))
	}
	return h, data, nil
}

// EncodeChannel builds an algo-debug chunk payload; SplitSize is taken
// from data.
func EncodeChannel(h ChannelHeader, data []byte) []byte {
	h.SplitSize = uint32(len(data))
	out := EncodeChannelHeader(h)
	return append(out, data...)
}

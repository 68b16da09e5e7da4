package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol"
)

const (
	// ImageHeaderLen is the 11×u32 chunk header following the chunk type.
	ImageHeaderLen = 44
	// typeAndHeaderLen is chunkType plus ImageHeader; headerSize counts both.
	typeAndHeaderLen = 4 + ImageHeaderLen

	// AlgoDebugType carries channel data in the default debug format.
	AlgoDebugType uint32 = 900
)

var (
	MarkerStart = [4]byte{'s', 't', 'a', 'r'}
	MarkerStop  = [4]byte{'s', 't', 'o', 'p'}
)

var (
	ErrMissingStart = errors.New("chunk: missing star marker")
	ErrBadChunkSize = errors.New("chunk: inconsistent chunk size")
)

// ImageHeader is the per-chunk PCIC header.
type ImageHeader struct {
	ChunkSize        uint32
	HeaderSize       uint32
	HeaderVersion    uint32
	ImageWidth       uint32
	ImageHeight      uint32
	PixelFormat      uint32
	Timestamp        uint32
	FrameCount       uint32
	StatusCode       uint32
	TimestampSeconds uint32
	TimestampNano    uint32
}

// Chunk is one typed entry of a result envelope.
type Chunk struct {
	Type     uint32
	Header   ImageHeader
	Metadata []byte
	Payload  []byte
}

// Split walks a result content block `star {chunk}* stop`. A truncated
// chunk header ends the walk with a warning and returns what was parsed,
// matching devices that pad results with trailing bytes.
func Split(content []byte) ([]Chunk, error) {
	if len(content) < 4 || [4]byte(content[0:4]) != MarkerStart {
		return nil, fmt.Errorf("%w: %w", protocol.ErrMalformed, ErrMissingStart)
	}
	out := make([]Chunk, 0, 4)
	i := 4
	for {
		if len(content)-i < 4 {
			logs.Warnf("chunk.Split missing stop marker offset=%d len=%d", i, len(content))
			return out, nil
		}
		if [4]byte(content[i:i+4]) == MarkerStop {
			return out, nil
		}
		typ := binary.LittleEndian.Uint32(content[i : i+4])
		i += 4
		if len(content)-i < ImageHeaderLen {
			logs.Warnf("chunk.Split truncated header type=%d offset=%d, stop with this packet", typ, i)
			return out, nil
		}
		h := decodeImageHeader(content[i : i+ImageHeaderLen])
		i += ImageHeaderLen

		var meta []byte
		if h.HeaderSize > typeAndHeaderLen {
			n := int(h.HeaderSize - typeAndHeaderLen)
			if len(content)-i < n {
				return out, fmt.Errorf("%w: %w: metadata %d bytes at offset %d", protocol.ErrMalformed, ErrBadChunkSize, n, i)
			}
			// only v3 headers define the extension layout
			if h.HeaderVersion == 3 {
				meta = content[i : i+n]
			}
			i += n
		}
		if h.ChunkSize < h.HeaderSize {
			return out, fmt.Errorf("%w: %w: chunkSize=%d headerSize=%d", protocol.ErrMalformed, ErrBadChunkSize, h.ChunkSize, h.HeaderSize)
		}
		n := int(h.ChunkSize - h.HeaderSize)
		if len(content)-i < n {
			return out, fmt.Errorf("%w: %w: payload %d bytes at offset %d", protocol.ErrMalformed, ErrBadChunkSize, n, i)
		}
		out = append(out, Chunk{Type: typ, Header: h, Metadata: meta, Payload: content[i : i+n]})
		i += n
	}
}

// Select concatenates the payloads of the filter's chunk types in filter
// order. A missing type yields nil so the caller can skip the result.
func Select(chunks []Chunk, filter []uint32) []byte {
	if len(filter) == 0 {
		return nil
	}
	out := make([]byte, 0)
	for _, id := range filter {
		found := false
		for _, c := range chunks {
			if c.Type == id {
				out = append(out, c.Payload...)
				found = true
				break
			}
		}
		if !found {
			logs.Warnf("chunk.Select chunk id=%d not found", id)
			return nil
		}
	}
	return out
}

// TimestampNS returns the device timestamp in nanoseconds since the epoch.
func (h ImageHeader) TimestampNS() int64 {
	return int64(h.TimestampSeconds)*1e9 + int64(h.TimestampNano)
}

// Encode appends one chunk in wire layout. Used by the simulator and tests.
func Encode(dst []byte, c Chunk) []byte {
	h := c.Header
	h.HeaderSize = uint32(typeAndHeaderLen + len(c.Metadata))
	if len(c.Metadata) > 0 && h.HeaderVersion == 0 {
		h.HeaderVersion = 3
	}
	h.ChunkSize = h.HeaderSize + uint32(len(c.Payload))
	dst = binary.LittleEndian.AppendUint32(dst, c.Type)
	dst = appendImageHeader(dst, h)
	dst = append(dst, c.Metadata...)
	return append(dst, c.Payload...)
}

// EncodeContent wraps chunks in the star/stop markers.
func EncodeContent(chunks []Chunk) []byte {
	out := append([]byte(nil), MarkerStart[:]...)
	for _, c := range chunks {
		out = Encode(out, c)
	}
	return append(out, MarkerStop[:]...)
}

func decodeImageHeader(b []byte) ImageHeader {
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(b[i*4 : i*4+4]) }
	return ImageHeader{
		ChunkSize:        u(0),
		HeaderSize:       u(1),
		HeaderVersion:    u(2),
		ImageWidth:       u(3),
		ImageHeight:      u(4),
		PixelFormat:      u(5),
		Timestamp:        u(6),
		FrameCount:       u(7),
		StatusCode:       u(8),
		TimestampSeconds: u(9),
		TimestampNano:    u(10),
	}
}

func appendImageHeader(dst []byte, h ImageHeader) []byte {
	for _, v := range []uint32{
		h.ChunkSize, h.HeaderSize, h.HeaderVersion, h.ImageWidth, h.ImageHeight,
		h.PixelFormat, h.Timestamp, h.FrameCount, h.StatusCode, h.TimestampSeconds, h.TimestampNano,
	} {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	return dst
}

package container

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	logs "github.com/danmuck/pcicrec/internal/logging"
)

var ErrFrameRange = errors.New("container: frame index out of range")

// Frame is one stored frame.
type Frame struct {
	Stream        string
	StreamID      uint16
	StreamIdx     uint64
	GlobalIdx     uint64
	Format        string
	DataTimestamp time.Time
	ReceivedAt    time.Time
	Payload       []byte
}

type frameLoc struct {
	offset int64 // start of the frame record body
	length int
}

// Reader gives random and ordered access to a container file.
type Reader struct {
	f         *os.File
	path      string
	meta      Meta
	streams   map[uint16]StreamDef
	byName    map[string]uint16
	frames    map[uint16][]frameLoc
	index     []IndexEntry
	truncated bool
	complete  bool
	closed    uint64
}

// Open scans path once. A partial trailing record is ignored and reported
// by Truncated.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %s: %w", path, err)
	}
	r := &Reader{
		f:       f,
		path:    path,
		streams: map[uint16]StreamDef{},
		byName:  map[string]uint16{},
		frames:  map[uint16][]frameLoc{},
	}
	if err := r.scan(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("container: %s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) scan() error {
	br := bufio.NewReaderSize(r.f, 1<<20)
	hdr := make([]byte, fileHeaderLen)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return ErrBadMagic
	}
	if err := checkFileHeader(hdr); err != nil {
		return err
	}
	offset := int64(fileHeaderLen)
	sawMeta := false
	for {
		kind, body, err := readRecord(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.truncated = true
			logs.Warnf("container.Open truncated trailing record path=%s offset=%d", r.path, offset)
			break
		}
		if err != nil {
			return err
		}
		bodyOffset := offset + recordHeaderLen
		offset = bodyOffset + int64(len(body))
		if !sawMeta && kind != kindMeta {
			return fmt.Errorf("%w: first record is %s", ErrCorrupt, kind)
		}
		switch kind {
		case kindMeta:
			if err := unmarshal(body, &r.meta); err != nil {
				return fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
			}
			if r.meta.Format != ContainerFormat {
				return fmt.Errorf("%w: format %q", ErrBadMagic, r.meta.Format)
			}
			sawMeta = true
		case kindStream:
			var d StreamDef
			if err := unmarshal(body, &d); err != nil {
				return fmt.Errorf("%w: stream: %v", ErrCorrupt, err)
			}
			r.streams[d.ID] = d
			r.byName[d.Name] = d.ID
		case kindFrame:
			h, err := decodeFrameHeader(body)
			if err != nil {
				return err
			}
			if _, ok := r.streams[h.StreamID]; !ok {
				return fmt.Errorf("%w: frame for undeclared stream %d", ErrCorrupt, h.StreamID)
			}
			if want := uint64(len(r.frames[h.StreamID])); h.StreamIdx != want {
				return fmt.Errorf("%w: stream %d frame %d, want %d", ErrCorrupt, h.StreamID, h.StreamIdx, want)
			}
			r.frames[h.StreamID] = append(r.frames[h.StreamID], frameLoc{offset: bodyOffset, length: len(body)})
		case kindIndex:
			e, err := decodeIndex(body)
			if err != nil {
				return err
			}
			r.index = append(r.index, e)
		case kindClose:
			if len(body) != 8 {
				return fmt.Errorf("%w: close record %d bytes", ErrCorrupt, len(body))
			}
			r.complete = true
			r.closed = binary.LittleEndian.Uint64(body)
		}
	}
	if !sawMeta {
		return fmt.Errorf("%w: missing meta record", ErrCorrupt)
	}
	return nil
}

func (r *Reader) Meta() Meta {
	return r.meta
}

// Streams returns the stream definitions ordered by ID.
func (r *Reader) Streams() []StreamDef {
	out := make([]StreamDef, 0, len(r.streams))
	for _, d := range r.streams {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b StreamDef) int { return int(a.ID) - int(b.ID) })
	return out
}

// Index returns the global index in write order.
func (r *Reader) Index() []IndexEntry {
	return slices.Clone(r.index)
}

// Len returns the number of frames stored for stream.
func (r *Reader) Len(stream string) int {
	id, ok := r.byName[stream]
	if !ok {
		return 0
	}
	return len(r.frames[id])
}

// Truncated reports whether the file ended inside a record.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Complete reports whether the writer closed the file.
func (r *Reader) Complete() bool {
	return r.complete
}

func (r *Reader) Frame(stream string, idx uint64) (Frame, error) {
	id, ok := r.byName[stream]
	if !ok {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	return r.frame(id, idx)
}

func (r *Reader) frame(id uint16, idx uint64) (Frame, error) {
	locs := r.frames[id]
	if idx >= uint64(len(locs)) {
		return Frame{}, fmt.Errorf("%w: stream %d idx %d of %d", ErrFrameRange, id, idx, len(locs))
	}
	loc := locs[idx]
	body := make([]byte, loc.length)
	if _, err := r.f.ReadAt(body, loc.offset); err != nil {
		return Frame{}, fmt.Errorf("container: read frame %d/%d: %w", id, idx, err)
	}
	h, err := decodeFrameHeader(body)
	if err != nil {
		return Frame{}, err
	}
	payload, err := decompress(body[frameHeaderLen:], h.Codec, int(h.RawLen))
	if err != nil {
		return Frame{}, err
	}
	def := r.streams[id]
	return Frame{
		Stream:        def.Name,
		StreamID:      id,
		StreamIdx:     h.StreamIdx,
		GlobalIdx:     h.GlobalIdx,
		Format:        def.Format,
		DataTimestamp: fromUnixMicro(h.DataTS),
		ReceivedAt:    fromUnixMicro(h.RecvTS),
		Payload:       payload,
	}, nil
}

// Replay calls fn for every indexed frame in global order. An error from
// fn stops the replay and is returned.
func (r *Reader) Replay(fn func(IndexEntry, Frame) error) error {
	for _, e := range r.index {
		f, err := r.frame(e.StreamID, e.StreamIdx)
		if err != nil {
			return err
		}
		if err := fn(e, f); err != nil {
			return err
		}
	}
	return nil
}

// FrameCount returns the count stored by the close record, or the number
// of indexed frames for an unclosed file.
func (r *Reader) FrameCount() uint64 {
	if r.complete {
		return r.closed
	}
	return uint64(len(r.index))
}

func (r *Reader) Close() error {
	return r.f.Close()
}

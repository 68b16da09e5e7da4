package container

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/observability"
	"github.com/danmuck/pcicrec/internal/protocol"
)

// Extension is appended to paths created without one.
const Extension = ".pcrec"

var (
	ErrExists          = errors.New("container: file exists")
	ErrUnknownStream   = errors.New("container: unknown stream")
	ErrFormatMismatch  = errors.New("container: stream format mismatch")
	ErrInvalidStreams  = errors.New("container: invalid stream definitions")
	ErrPayloadTooLarge = errors.New("container: payload too large")
)

type Options struct {
	Overwrite   bool
	Compression Codec
	// SyncEvery fsyncs after that many frames; 0 syncs on Close only.
	SyncEvery int
	Attrs     map[string]string
}

type streamState struct {
	def  StreamDef
	next uint64
}

// Writer appends frames to one container file. It is safe for concurrent
// use.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	bw        *bufio.Writer
	path      string
	id        uuid.UUID
	base      time.Time
	opts      Options
	streams   map[string]*streamState
	global    uint64
	bytes     uint64
	sinceSync int
	closed    bool
	buf       []byte
}

// Create writes the file header, meta record and one stream record per
// def. Paths without an extension get Extension.
func Create(path string, defs []StreamDef, opts Options) (*Writer, error) {
	if filepath.Ext(path) == "" {
		path += Extension
	}
	streams, err := validateDefs(defs)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if opts.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("container: create %s: %w", path, err)
	}
	w := &Writer{
		f:       f,
		bw:      bufio.NewWriterSize(f, 1<<20),
		path:    path,
		id:      uuid.New(),
		base:    time.Now(),
		opts:    opts,
		streams: streams,
	}
	if err := w.writeHeader(defs); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	logs.Infof("container.Create path=%s recording=%s streams=%d compression=%s", path, w.id, len(defs), opts.Compression)
	return w, nil
}

func validateDefs(defs []StreamDef) (map[string]*streamState, error) {
	streams := make(map[string]*streamState, len(defs))
	ids := make(map[uint16]string, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: empty name for id %d", ErrInvalidStreams, d.ID)
		}
		if _, dup := streams[d.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate name %s", ErrInvalidStreams, d.Name)
		}
		if other, dup := ids[d.ID]; dup {
			return nil, fmt.Errorf("%w: id %d used by %s and %s", ErrInvalidStreams, d.ID, other, d.Name)
		}
		ids[d.ID] = d.Name
		streams[d.Name] = &streamState{def: d}
	}
	return streams, nil
}

func (w *Writer) writeHeader(defs []StreamDef) error {
	meta, err := marshal(Meta{
		Format:      ContainerFormat,
		Version:     FormatVersion,
		CreatedUS:   w.base.UnixMicro(),
		RecordingID: w.id.String(),
		Attrs:       w.opts.Attrs,
	})
	if err != nil {
		return fmt.Errorf("container: encode meta: %w", err)
	}
	buf := appendFileHeader(nil)
	buf = appendRecord(buf, kindMeta, meta)
	for _, d := range defs {
		body, err := marshal(d)
		if err != nil {
			return fmt.Errorf("container: encode stream %s: %w", d.Name, err)
		}
		buf = appendRecord(buf, kindStream, body)
	}
	if _, err := w.bw.Write(buf); err != nil {
		return fmt.Errorf("container: write header: %w", err)
	}
	return w.bw.Flush()
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) RecordingID() uuid.UUID {
	return w.id
}

// Frames returns the number of frames written.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.global
}

// StreamFrames returns the number of frames written to stream.
func (w *Writer) StreamFrames(stream string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.streams[stream]; ok {
		return st.next
	}
	return 0
}

// WriteFrame appends payload to stream and adds an index entry. The first
// write pins the stream's format unless its definition already did.
func (w *Writer) WriteFrame(stream string, payload []byte, format string, dataTimestamp time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("%w: container: %s", protocol.ErrClosed, w.path)
	}
	st, ok := w.streams[stream]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	if uint64(len(payload)) > maxRecordLen-frameHeaderLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if st.def.Format == "" {
		st.def.Format = format
		body, err := marshal(st.def)
		if err != nil {
			return fmt.Errorf("container: encode stream %s: %w", stream, err)
		}
		w.buf = appendRecord(w.buf[:0], kindStream, body)
		if _, err := w.bw.Write(w.buf); err != nil {
			return fmt.Errorf("container: write stream %s: %w", stream, err)
		}
	} else if st.def.Format != format {
		return fmt.Errorf("%w: %s is %s, got %s", ErrFormatMismatch, stream, st.def.Format, format)
	}

	data, codec, err := compress(payload, w.opts.Compression)
	if err != nil {
		return err
	}
	now := time.Now()
	h := frameHeader{
		StreamID:  st.def.ID,
		StreamIdx: st.next,
		DataTS:    unixMicro(dataTimestamp),
		RecvTS:    now.UnixMicro(),
		GlobalIdx: w.global,
		Codec:     codec,
		RawLen:    uint32(len(payload)),
	}
	body := appendFrameHeader(make([]byte, 0, frameHeaderLen+len(data)), h)
	body = append(body, data...)
	w.buf = appendRecord(w.buf[:0], kindFrame, body)
	w.buf = appendRecord(w.buf, kindIndex, appendIndex(nil, IndexEntry{
		ReceiveTimestamp: now.Sub(w.base).Microseconds(),
		StreamID:         st.def.ID,
		StreamIdx:        st.next,
	}))
	if _, err := w.bw.Write(w.buf); err != nil {
		return fmt.Errorf("container: write frame %s/%d: %w", stream, st.next, err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("container: flush: %w", err)
	}
	st.next++
	w.global++
	w.bytes += uint64(len(w.buf))
	observability.RecordContainerWrite(stream, len(w.buf))

	w.sinceSync++
	if w.opts.SyncEvery > 0 && w.sinceSync >= w.opts.SyncEvery {
		w.sinceSync = 0
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("container: sync: %w", err)
		}
	}
	return nil
}

// Close writes the close record and closes the file. Later calls return
// nil.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	tail := appendRecord(nil, kindClose, binary.LittleEndian.AppendUint64(nil, w.global))
	_, werr := w.bw.Write(tail)
	ferr := w.bw.Flush()
	serr := w.f.Sync()
	cerr := w.f.Close()
	logs.Infof("container.Writer.Close path=%s frames=%d bytes=%d", w.path, w.global, w.bytes)
	if err := errors.Join(werr, ferr, serr, cerr); err != nil {
		return fmt.Errorf("container: close %s: %w", w.path, err)
	}
	return nil
}

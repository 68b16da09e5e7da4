package container

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// File layout, little-endian:
//
//	file   := magic(8) version:u16 reserved:u16 record*
//	record := kind:u8 length:u32 crc32:u32 body[length]
const (
	fileMagic       = "PCICREC\x00"
	FormatVersion   = uint16(1)
	fileHeaderLen   = 12
	recordHeaderLen = 9
	frameHeaderLen  = 2 + 8 + 8 + 8 + 8 + 1 + 4
	indexRecordLen  = 8 + 2 + 8
	maxRecordLen    = 1 << 30
)

type recordKind uint8

const (
	kindMeta recordKind = iota + 1
	kindStream
	kindFrame
	kindIndex
	kindClose
)

func (k recordKind) String() string {
	switch k {
	case kindMeta:
		return "meta"
	case kindStream:
		return "stream"
	case kindFrame:
		return "frame"
	case kindIndex:
		return "index"
	case kindClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrBadMagic           = errors.New("container: not a pcicrec file")
	ErrUnsupportedVersion = errors.New("container: unsupported version")
	ErrChecksum           = errors.New("container: record checksum mismatch")
	ErrCorrupt            = errors.New("container: corrupt record")
)

func appendFileHeader(dst []byte) []byte {
	dst = append(dst, fileMagic...)
	dst = binary.LittleEndian.AppendUint16(dst, FormatVersion)
	return binary.LittleEndian.AppendUint16(dst, 0)
}

func checkFileHeader(b []byte) error {
	if len(b) < fileHeaderLen || string(b[:8]) != fileMagic {
		return ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(b[8:10]); v != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return nil
}

func appendRecord(dst []byte, kind recordKind, body []byte) []byte {
	dst = append(dst, byte(kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(body))
	return append(dst, body...)
}

// readRecord returns io.EOF at a record boundary and io.ErrUnexpectedEOF
// for a record cut short.
func readRecord(r *bufio.Reader) (recordKind, []byte, error) {
	var hdr [recordHeaderLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		return 0, nil, io.ErrUnexpectedEOF
	}
	kind := recordKind(hdr[0])
	length := binary.LittleEndian.Uint32(hdr[1:5])
	sum := binary.LittleEndian.Uint32(hdr[5:9])
	if kind < kindMeta || kind > kindClose || length > maxRecordLen {
		return 0, nil, fmt.Errorf("%w: kind=%d length=%d", ErrCorrupt, hdr[0], length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}
	if crc32.ChecksumIEEE(body) != sum {
		return 0, nil, fmt.Errorf("%w: %s record", ErrChecksum, kind)
	}
	return kind, body, nil
}

// frameHeader precedes the payload of a frame record.
type frameHeader struct {
	StreamID  uint16
	StreamIdx uint64
	DataTS    int64 // µs since epoch, 0 when unknown
	RecvTS    int64 // µs since epoch
	GlobalIdx uint64
	Codec     Codec
	RawLen    uint32
}

func appendFrameHeader(dst []byte, h frameHeader) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, h.StreamID)
	dst = binary.LittleEndian.AppendUint64(dst, h.StreamIdx)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.DataTS))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(h.RecvTS))
	dst = binary.LittleEndian.AppendUint64(dst, h.GlobalIdx)
	dst = append(dst, byte(h.Codec))
	return binary.LittleEndian.AppendUint32(dst, h.RawLen)
}

func decodeFrameHeader(b []byte) (frameHeader, error) {
	if len(b) < frameHeaderLen {
		return frameHeader{}, fmt.Errorf("%w: frame header %d bytes", ErrCorrupt, len(b))
	}
	return frameHeader{
		StreamID:  binary.LittleEndian.Uint16(b[0:2]),
		StreamIdx: binary.LittleEndian.Uint64(b[2:10]),
		DataTS:    int64(binary.LittleEndian.Uint64(b[10:18])),
		RecvTS:    int64(binary.LittleEndian.Uint64(b[18:26])),
		GlobalIdx: binary.LittleEndian.Uint64(b[26:34]),
		Codec:     Codec(b[34]),
		RawLen:    binary.LittleEndian.Uint32(b[35:39]),
	}, nil
}

// IndexEntry is one row of the cross-stream time index. ReceiveTimestamp
// counts microseconds since the recording started on a monotonic clock.
type IndexEntry struct {
	ReceiveTimestamp int64
	StreamID         uint16
	StreamIdx        uint64
}

func appendIndex(dst []byte, e IndexEntry) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.ReceiveTimestamp))
	dst = binary.LittleEndian.AppendUint16(dst, e.StreamID)
	return binary.LittleEndian.AppendUint64(dst, e.StreamIdx)
}

func decodeIndex(b []byte) (IndexEntry, error) {
	if len(b) != indexRecordLen {
		return IndexEntry{}, fmt.Errorf("%w: index record %d bytes", ErrCorrupt, len(b))
	}
	return IndexEntry{
		ReceiveTimestamp: int64(binary.LittleEndian.Uint64(b[0:8])),
		StreamID:         binary.LittleEndian.Uint16(b[8:10]),
		StreamIdx:        binary.LittleEndian.Uint64(b[10:18]),
	}, nil
}

func unixMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromUnixMicro(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

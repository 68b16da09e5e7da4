package envelope

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/pcicrec/internal/protocol"
)

// PrefixLen is the fixed envelope prefix: ticket(4) 'L' length(9) CRLF.
const PrefixLen = 16

// trailerLen covers the repeated ticket and the closing CRLF inside content.
const trailerLen = 4 + 2

var (
	ErrBadPrefix      = errors.New("envelope: bad prefix")
	ErrTicketMismatch = errors.New("envelope: repeated ticket mismatch")
	ErrBadTerminator  = errors.New("envelope: missing CRLF terminator")
	ErrContentTooBig  = errors.New("envelope: content too large")
)

// Ticket identifies a request/response pair; results use 0000/0020.
type Ticket [4]byte

var (
	TicketResult  = Ticket{'0', '0', '0', '0'}
	TicketAsync   = Ticket{'0', '0', '2', '0'}
	TicketCommand = Ticket{'1', '0', '0', '0'}
)

func (t Ticket) String() string {
	return string(t[:])
}

// IsResult reports whether the ticket carries streamed result data.
func (t Ticket) IsResult() bool {
	return t == TicketResult || t == TicketAsync
}

// Envelope is one framed message with ticket and CRLF stripped.
type Envelope struct {
	Ticket  Ticket
	Content []byte
}

// Limits constrains envelope decode memory use.
type Limits struct {
	MaxContentBytes int
}

// DefaultLimits caps a single envelope at 64 MiB.
func DefaultLimits() Limits {
	return Limits{MaxContentBytes: 64 * 1024 * 1024}
}

// Reader decodes envelopes from a stream and keeps partial progress across
// read timeouts, so a deadline firing mid-envelope does not desynchronize
// the stream.
type Reader struct {
	r      io.Reader
	limits Limits

	prefix  [PrefixLen]byte
	prefixN int
	ticket  Ticket
	body    []byte
	bodyN   int
	inBody  bool
}

func NewReader(r io.Reader, limits Limits) *Reader {
	if limits.MaxContentBytes <= 0 {
		limits = DefaultLimits()
	}
	return &Reader{r: r, limits: limits}
}

// Read decodes exactly one envelope from r without resumable state.
func Read(r io.Reader, limits Limits) (Envelope, error) {
	return NewReader(r, limits).Next()
}

// Pending reports whether a partially read envelope is buffered.
func (rd *Reader) Pending() bool {
	return rd.inBody || rd.prefixN > 0
}

// Reset drops any partially read envelope.
func (rd *Reader) Reset() {
	rd.prefixN = 0
	rd.body = nil
	rd.bodyN = 0
	rd.inBody = false
}

// Next returns the next complete envelope. Timeouts wrap
// protocol.ErrTimeout and may be retried; every other failure wraps
// protocol.ErrConnectionLost or protocol.ErrMalformed.
func (rd *Reader) Next() (Envelope, error) {
	if !rd.inBody {
		for rd.prefixN < PrefixLen {
			n, err := rd.r.Read(rd.prefix[rd.prefixN:])
			rd.prefixN += n
			if err != nil && rd.prefixN < PrefixLen {
				return Envelope{}, rd.readErr("prefix", err)
			}
		}
		ticket, length, err := parsePrefix(rd.prefix[:])
		if err != nil {
			rd.Reset()
			return Envelope{}, err
		}
		if length > rd.limits.MaxContentBytes {
			rd.Reset()
			return Envelope{}, fmt.Errorf("%w: %w: %d bytes", protocol.ErrMalformed, ErrContentTooBig, length)
		}
		rd.ticket = ticket
		rd.body = make([]byte, length)
		rd.bodyN = 0
		rd.inBody = true
	}

	for rd.bodyN < len(rd.body) {
		n, err := rd.r.Read(rd.body[rd.bodyN:])
		rd.bodyN += n
		if err != nil && rd.bodyN < len(rd.body) {
			return Envelope{}, rd.readErr("content", err)
		}
	}

	body := rd.body
	ticket := rd.ticket
	rd.Reset()

	if Ticket(body[0:4]) != ticket {
		return Envelope{}, fmt.Errorf("%w: %w: prefix=%q content=%q", protocol.ErrMalformed, ErrTicketMismatch, ticket.String(), string(body[0:4]))
	}
	if body[len(body)-2] != '\r' || body[len(body)-1] != '\n' {
		return Envelope{}, fmt.Errorf("%w: %w", protocol.ErrMalformed, ErrBadTerminator)
	}
	return Envelope{Ticket: ticket, Content: body[4 : len(body)-2]}, nil
}

func (rd *Reader) readErr(stage string, err error) error {
	if protocol.IsTimeout(err) {
		return fmt.Errorf("%w: envelope: read %s: %v", protocol.ErrTimeout, stage, err)
	}
	if errors.Is(err, io.EOF) && !rd.Pending() {
		return fmt.Errorf("%w: envelope: closed by peer", protocol.ErrConnectionLost)
	}
	rd.Reset()
	return fmt.Errorf("%w: envelope: read %s: %v", protocol.ErrConnectionLost, stage, err)
}

func parsePrefix(b []byte) (Ticket, int, error) {
	var ticket Ticket
	copy(ticket[:], b[0:4])
	if b[4] != 'L' {
		return ticket, 0, fmt.Errorf("%w: %w: missing length marker %q", protocol.ErrMalformed, ErrBadPrefix, b[4])
	}
	length := 0
	for _, c := range b[5:14] {
		if c < '0' || c > '9' {
			return ticket, 0, fmt.Errorf("%w: %w: non-digit length %q", protocol.ErrMalformed, ErrBadPrefix, string(b[5:14]))
		}
		length = length*10 + int(c-'0')
	}
	if b[14] != '\r' || b[15] != '\n' {
		return ticket, 0, fmt.Errorf("%w: %w: missing CRLF", protocol.ErrMalformed, ErrBadPrefix)
	}
	if length < trailerLen {
		return ticket, 0, fmt.Errorf("%w: %w: length %d below minimum", protocol.ErrMalformed, ErrBadPrefix, length)
	}
	return ticket, length, nil
}

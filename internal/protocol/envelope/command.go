package envelope

import (
	"bytes"
	"fmt"
	"io"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol"
)

const maxLength = 999999999

// Encode frames body as `ticket L<len> CRLF ticket body CRLF`.
func Encode(ticket Ticket, body []byte) ([]byte, error) {
	length := len(body) + trailerLen
	if length > maxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrContentTooBig, len(body))
	}
	var buf bytes.Buffer
	buf.Grow(PrefixLen + length)
	buf.Write(ticket[:])
	fmt.Fprintf(&buf, "L%09d\r\n", length)
	buf.Write(ticket[:])
	buf.Write(body)
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// WriteCommand frames and sends one command.
func WriteCommand(w io.Writer, ticket Ticket, body []byte) error {
	wire, err := Encode(ticket, body)
	if err != nil {
		return err
	}
	_, err = w.Write(wire)
	return err
}

// Command sends body on ticket and returns the answer carrying the same
// ticket. Envelopes with other tickets are skipped.
func Command(w io.Writer, rd *Reader, ticket Ticket, body []byte) ([]byte, error) {
	if err := WriteCommand(w, ticket, body); err != nil {
		return nil, fmt.Errorf("%w: envelope: write command %q: %v", protocol.ErrConnectionLost, body, err)
	}
	for {
		env, err := rd.Next()
		if err != nil {
			return nil, err
		}
		if env.Ticket == ticket {
			return env.Content, nil
		}
		logs.Debugf("envelope.Command skip ticket=%s len=%d", env.Ticket, len(env.Content))
	}
}

// CheckAnswer validates the PCIC answer marker: '*' accepted, '!' or '?'
// rejected.
func CheckAnswer(cmd, answer []byte) error {
	if len(answer) == 0 {
		return fmt.Errorf("%w: %q: empty answer", protocol.ErrCommandRejected, cmd)
	}
	switch answer[len(answer)-1] {
	case '*':
		return nil
	default:
		return fmt.Errorf("%w: %q: answer=%q", protocol.ErrCommandRejected, cmd, answer)
	}
}

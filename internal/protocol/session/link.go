package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/protocol/envelope"
)

// DialFunc opens the PCIC TCP connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// link is one PCIC TCP connection with its resumable envelope reader.
type link struct {
	conn net.Conn
	rd   *envelope.Reader
}

func (s *Session) dialLink(ctx context.Context) (*link, error) {
	addr := net.JoinHostPort(s.src.Host, strconv.Itoa(s.port))
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	conn, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: session: dial %s: %v", protocol.ErrConnectionLost, addr, err)
	}
	l := &link{conn: conn, rd: envelope.NewReader(conn, s.cfg.Limits)}
	if s.legacy {
		logs.Debugf("session.Session.dialLink legacy firmware, skip output config source=%s", s.src.Name)
		return l, nil
	}
	for _, cmd := range [][]byte{[]byte("p0"), fmt.Appendf(nil, "p%x", s.outputConfig())} {
		logs.Debugf("session.Session.dialLink source=%s cmd=%s", s.src.Name, cmd)
		if err := l.command(cmd, s.cfg.WriteTimeout, s.cfg.ConnectTimeout); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *link) command(cmd []byte, writeTimeout, readTimeout time.Duration) error {
	now := time.Now()
	_ = l.conn.SetWriteDeadline(now.Add(writeTimeout))
	_ = l.conn.SetReadDeadline(now.Add(readTimeout))
	defer func() {
		_ = l.conn.SetDeadline(time.Time{})
	}()
	answer, err := envelope.Command(l.conn, l.rd, envelope.TicketCommand, cmd)
	if err != nil {
		return fmt.Errorf("session: command %s: %w", cmd, err)
	}
	return envelope.CheckAnswer(cmd, answer)
}

// next reads one envelope; a zero deadline waits without limit.
func (l *link) next(deadline time.Time) (envelope.Envelope, error) {
	_ = l.conn.SetReadDeadline(deadline)
	return l.rd.Next()
}

func (l *link) close() error {
	return l.conn.Close()
}

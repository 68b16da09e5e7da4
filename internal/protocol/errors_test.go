package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"

	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTaxonomy(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"timeout", fmt.Errorf("envelope: read prefix: %w", ErrTimeout), ClassTimeout},
		{"deadline", os.ErrDeadlineExceeded, ClassTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, ClassTimeout},
		{"malformed", fmt.Errorf("%w: bad ticket", ErrMalformed), ClassConnectionLost},
		{"eof", io.EOF, ClassConnectionLost},
		{"closed conn", net.ErrClosed, ClassConnectionLost},
		{"mismatch", ErrConfigMismatch, ClassConfigMismatch},
		{"closed", ErrClosed, ClassClosed},
		{"other", errors.New("boom"), ClassOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: got=%s want=%s", tc.name, got, tc.want)
		}
	}
}

func TestMalformedIsConnectionLost(t *testing.T) {
	testlog.Start(t)
	err := fmt.Errorf("chunk: %w: short header", ErrMalformed)
	if !IsConnectionLost(err) {
		t.Fatalf("malformed data should classify as connection lost")
	}
	if IsTimeout(err) {
		t.Fatalf("malformed data must not classify as timeout")
	}
}

// pcicrecv receives frames from one source and logs their sizes.
//
//	pcicrecv [flags] [port2]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/pcicrec/internal/device"
	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/protocol/session"
	"github.com/danmuck/pcicrec/internal/recorder"
)

type options struct {
	ip       string
	rpcPort  int
	pcicPort int
	source   string
	frames   int
	timeout  time.Duration
	strategy session.Strategy
	logLevel string
}

func parseArgs(args []string) (options, error) {
	var (
		opts     options
		timeout  float64
		strategy string
	)
	fs := pflag.NewFlagSet("pcicrecv", pflag.ContinueOnError)
	fs.StringVar(&opts.ip, "ip", "192.168.0.69", "IP address of the device")
	fs.IntVar(&opts.rpcPort, "rpc-port", 0, "port of the configuration RPC service (default 80)")
	fs.IntVar(&opts.pcicPort, "pcic-port", 0, "PCIC port; skips the device lookup and assumes algo-debug data, looked up when 0")
	fs.IntVar(&opts.frames, "frames", 10, "frames to receive, 0 receives until interrupted")
	fs.Float64Var(&timeout, "timeout", 3, "timeout in seconds for each frame")
	fs.StringVar(&strategy, "strategy", "threaded", "receive strategy: threaded or pull")
	fs.StringVar(&opts.logLevel, "log-level", "", "trace, debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	s, err := session.ParseStrategy(strategy)
	if err != nil {
		return options{}, err
	}
	if s == session.StrategyPush {
		return options{}, fmt.Errorf("%w: push is not available from the command line", session.ErrInvalidStrategy)
	}
	opts.strategy = s
	opts.timeout = time.Duration(timeout * float64(time.Second))
	if opts.timeout <= 0 {
		opts.timeout = 3 * time.Second
	}
	opts.source = "port2"
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		opts.source = strings.TrimSpace(rest[0])
	default:
		return options{}, fmt.Errorf("expected one source, got %v", rest)
	}
	if opts.frames < 0 {
		return options{}, fmt.Errorf("frames must be >= 0, got %d", opts.frames)
	}
	return opts, nil
}

func main() {
	logs.ConfigureRuntime()
	if err := run(os.Args[1:]); err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "pcicrecv: %v\n", err)
		os.Exit(1)
	}
}

// sourceFor builds the session source. An explicit PCIC port skips the
// device lookup and assumes algo-debug data.
func sourceFor(ctx context.Context, opts options, dev device.Client) (session.Source, error) {
	if opts.pcicPort > 0 {
		return session.Source{
			Name:     opts.source,
			Host:     opts.ip,
			PCICPort: opts.pcicPort,
			Format:   session.FormatAlgoDebug,
		}, nil
	}
	rctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	descs, err := recorder.ResolveSources(rctx, dev, []string{opts.source}, recorder.ResolveOptions{})
	if err != nil {
		return session.Source{}, err
	}
	return descs[0].SessionSource(opts.ip), nil
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if lvl, ok := logs.ParseLevel(opts.logLevel); ok {
		logs.SetLevel(lvl)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := device.NewXMLRPCClient(device.Config{Host: opts.ip, Port: opts.rpcPort, Timeout: opts.timeout})
	if err != nil {
		return err
	}
	src, err := sourceFor(ctx, opts, dev)
	if err != nil {
		return err
	}

	cfg := session.DefaultConfig()
	cfg.Strategy = opts.strategy
	cfg.ReadTimeout = opts.timeout
	cfg.RPCTimeout = opts.timeout
	s, err := session.New(cfg, src, dev)
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.timeout)
		defer cancel()
		if err := s.Disconnect(dctx); err != nil {
			logs.Warnf("pcicrecv disconnect err=%v", err)
		}
	}()

	start := time.Now()
	received := 0
	for opts.frames == 0 || received < opts.frames {
		f, err := s.Get(ctx, session.Wait(opts.timeout))
		switch {
		case err == nil:
		case ctx.Err() != nil:
			logs.Infof("pcicrecv interrupted frames=%d", received)
			return nil
		case protocol.IsTimeout(err):
			logs.Warnf("pcicrecv no frame within %s source=%s", opts.timeout, opts.source)
			continue
		default:
			return err
		}
		received++
		logs.Infof("pcicrecv frame=%d format=%s bytes=%d data_ts=%s", f.FrameNumber, f.Format, len(f.Payload), f.DataTimestamp.Format(time.RFC3339Nano))
	}
	st := s.Stats()
	elapsed := time.Since(start)
	logs.Infof("pcicrecv done frames=%d bytes=%d dropped_chunks=%d fps=%.1f", st.Frames, st.Bytes, st.ChunksDropped, float64(received)/elapsed.Seconds())
	return nil
}

// pcicrec records the algo debug streams of an O3R device into a
// container file.
//
//	pcicrec [flags] [port2 port0 app0 ...]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/danmuck/pcicrec/internal/device"
	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/recorder"
	"github.com/danmuck/pcicrec/internal/status"
)

func main() {
	logs.ConfigureRuntime()
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "usage: pcicrec [flags] [sources...]")
			newFlags().set.PrintDefaults()
			return
		}
		fmt.Fprintf(os.Stderr, "pcicrec: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseArgs(args)
	if err != nil {
		return err
	}
	if lvl, ok := logs.ParseLevel(cfg.LogLevel); ok {
		logs.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := cfg.Recorder
	dev, err := device.NewXMLRPCClient(device.Config{Host: rc.Host, Port: cfg.RPCPort, Timeout: rc.Timeout})
	if err != nil {
		return err
	}
	rec, err := recorder.New(rc, dev)
	if err != nil {
		return err
	}

	if cfg.StatusAddr != "" {
		srv := status.New("pcicrec", cfg.StatusAddr, rec, cfg.CorsOrigins)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logs.Errorf("pcicrec status server err=%v", err)
			}
		}()
	}

	logs.Infof("pcicrec recording host=%s sources=%v duration=%s", rc.Host, rc.Sources, rc.Duration)
	summary, err := rec.Run(ctx)
	if ctx.Err() != nil {
		logs.Warnf("pcicrec interrupted, persisted frames=%d file=%q", summary.Total, summary.Path)
	} else {
		logs.Infof("pcicrec done frames=%d file=%q elapsed=%s", summary.Total, summary.Path, summary.Elapsed)
	}
	return err
}

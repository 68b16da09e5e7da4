package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/pcicrec/internal/device"
	logs "github.com/danmuck/pcicrec/internal/logging"
)

// motionGuard switches floor motion compensation off for the flagged
// ports and back on when recording ends.
type motionGuard struct {
	dev     device.Client
	pointer []string
	settle  time.Duration
	timeout time.Duration
	ports   []string
	applied []string
}

func newMotionGuard(dev device.Client, descs []StreamDescriptor, pointer string, settle, timeout time.Duration) *motionGuard {
	g := &motionGuard{
		dev:     dev,
		pointer: strings.Split(strings.Trim(pointer, "/"), "/"),
		settle:  settle,
		timeout: timeout,
	}
	for _, d := range descs {
		if d.MotionCompensation {
			g.ports = append(g.ports, d.Source)
		}
	}
	return g
}

func (g *motionGuard) set(ctx context.Context, port string, enabled bool) error {
	path := append([]string{"ports", port}, g.pointer...)
	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := device.SetValue(rctx, g.dev, path, enabled); err != nil {
		return fmt.Errorf("recorder: set %s=%v: %w", strings.Join(path, "/"), enabled, err)
	}
	return nil
}

// Apply disables motion compensation. Ports switched before a failure
// are still restored by Restore.
func (g *motionGuard) Apply(ctx context.Context) error {
	if len(g.ports) == 0 {
		return nil
	}
	logs.Infof("recorder.motionGuard.Apply disabling motion compensation ports=%v", g.ports)
	for _, port := range g.ports {
		if err := g.set(ctx, port, false); err != nil {
			return err
		}
		g.applied = append(g.applied, port)
		if err := sleepCtx(ctx, g.settle); err != nil {
			return err
		}
	}
	return nil
}

// Restore re-enables motion compensation even when ctx is already done.
func (g *motionGuard) Restore(ctx context.Context) error {
	if len(g.applied) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	logs.Infof("recorder.motionGuard.Restore reverting motion compensation ports=%v", g.applied)
	var errs []error
	for i, port := range g.applied {
		if i > 0 {
			_ = sleepCtx(ctx, g.settle)
		}
		if err := g.set(ctx, port, true); err != nil {
			logs.Errorf("recorder.motionGuard.Restore port=%s err=%v", port, err)
			errs = append(errs, err)
		}
	}
	g.applied = nil
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

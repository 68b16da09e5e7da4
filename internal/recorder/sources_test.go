package recorder

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/danmuck/pcicrec/internal/device/devicetest"
	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

func withMotionCompensation(port map[string]any) map[string]any {
	port["processing"].(map[string]any)["diParam"].(map[string]any)["enableFloorMotionCompensation"] = true
	return port
}

func deviceDoc(firmware string, ports, apps map[string]any) map[string]any {
	return map[string]any{
		"device":       map[string]any{"swVersion": map[string]any{"firmware": firmware}},
		"ports":        ports,
		"applications": map[string]any{"instances": apps},
	}
}

func streamNames(descs []StreamDescriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Stream
	}
	return out
}

func TestResolveRejectsBadRequestsBeforeDeviceAccess(t *testing.T) {
	testlog.Start(t)
	dev := devicetest.New(nil)
	dev.GetErr = errors.New("unreachable")
	ctx := context.Background()
	if _, err := ResolveSources(ctx, dev, []string{"port2", "port2"}, ResolveOptions{}); !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got %v", err)
	}
	if _, err := ResolveSources(ctx, dev, []string{"camera1"}, ResolveOptions{}); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if _, err := ResolveSources(ctx, dev, nil, ResolveOptions{}); !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
	if _, err := ResolveSources(ctx, dev, []string{"port2"}, ResolveOptions{}); !errors.Is(err, ErrDeviceConfig) {
		t.Fatalf("expected ErrDeviceConfig, got %v", err)
	}
}

func TestResolveNamesStreamsBySensor(t *testing.T) {
	testlog.Start(t)
	dev := devicetest.New(deviceDoc("1.4.30", map[string]any{
		"port0": devicetest.Port("OV9782", 50010),
		"port1": devicetest.Port("OV9782", 50011),
		"port2": devicetest.Port("IRS2381C", 50012),
		"port3": devicetest.Port("IRS2877", 50013),
		"port4": devicetest.Port("MYSTERY", 50014),
		"port6": devicetest.Port("IIM42652", 50016),
	}, map[string]any{}))
	descs, err := ResolveSources(context.Background(), dev, []string{"port2", "port0", "port3", "port6", "port1", "port4"}, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"o3r_di_0", "o3r_2d_0", "o3r_di_1", "o3r_imu", "o3r_2d_1", "o3r_di_2"}
	if got := streamNames(descs); !slices.Equal(got, want) {
		t.Fatalf("streams=%v want=%v", got, want)
	}
	for i, d := range descs {
		if d.StreamID != uint16(i+1) {
			t.Fatalf("%s stream id=%d", d.Stream, d.StreamID)
		}
	}
	twoD := descs[1]
	if twoD.Format != "O3Rjpeg" || !slices.Equal(twoD.ChunkFilter, []uint32{421, 260}) || twoD.OutputConfig != 1 || twoD.PCICPort != 50010 {
		t.Fatalf("2d descriptor=%+v", twoD)
	}
	if d := descs[0]; d.Format != "imeas" || d.OutputConfig != 8 || d.PCICPort != 50012 || d.Sensor != "IRS2381C" {
		t.Fatalf("3d descriptor=%+v", d)
	}
	src := descs[1].SessionSource("192.168.0.69")
	if src.Name != "port0" || src.Host != "192.168.0.69" || src.PCICPort != 50010 || src.Format != "O3Rjpeg" {
		t.Fatalf("session source=%+v", src)
	}
}

func TestResolveRejectsSecondIMUAndUnknownApps(t *testing.T) {
	testlog.Start(t)
	dev := devicetest.New(deviceDoc("1.4.30", map[string]any{
		"port5": devicetest.Port("IIM42652", 50015),
		"port6": devicetest.Port("IIM42652", 50016),
	}, map[string]any{
		"app1": map[string]any{"class": "mcc", "ports": []any{}, "data": map[string]any{"pcicTCPPort": 51011}},
	}))
	ctx := context.Background()
	if _, err := ResolveSources(ctx, dev, []string{"port5", "port6"}, ResolveOptions{}); !errors.Is(err, ErrSingleStream) {
		t.Fatalf("expected ErrSingleStream, got %v", err)
	}
	if _, err := ResolveSources(ctx, dev, []string{"app1"}, ResolveOptions{}); !errors.Is(err, ErrUnknownAppClass) {
		t.Fatalf("expected ErrUnknownAppClass, got %v", err)
	}
	if _, err := ResolveSources(ctx, dev, []string{"port2"}, ResolveOptions{}); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if _, err := ResolveSources(ctx, dev, []string{"app3"}, ResolveOptions{AppAutoSource: true}); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource for missing app, got %v", err)
	}
}

func TestResolveExpandsApplications(t *testing.T) {
	testlog.Start(t)
	ports := func() map[string]any {
		return map[string]any{
			"port2": devicetest.Port("IRS2381C", 50012),
			"port3": devicetest.Port("IRS2381C", 50013),
		}
	}
	app := func(configuration map[string]any) map[string]any {
		return map[string]any{"app0": map[string]any{
			"class":         "ods",
			"ports":         []any{"port2", "port3"},
			"data":          map[string]any{"pcicTCPPort": 51010},
			"configuration": configuration,
		}}
	}
	ctx := context.Background()

	dev := devicetest.New(deviceDoc("1.4.30", ports(), app(map[string]any{})))
	descs, err := ResolveSources(ctx, dev, []string{"app0"}, ResolveOptions{AppAutoSource: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := streamNames(descs); !slices.Equal(got, []string{"o3r_ods_0", "o3r_di_0", "o3r_di_1"}) {
		t.Fatalf("streams=%v", got)
	}
	if descs[0].PCICPort != 51010 || descs[0].Format != "imeas" {
		t.Fatalf("app descriptor=%+v", descs[0])
	}

	descs, err = ResolveSources(ctx, dev, []string{"app0"}, ResolveOptions{})
	if err != nil || len(descs) != 1 {
		t.Fatalf("without auto source descs=%v err=%v", streamNames(descs), err)
	}

	dev = devicetest.New(deviceDoc("1.4.30", ports(), app(map[string]any{"activePorts": []any{"port2", "port3"}})))
	descs, err = ResolveSources(ctx, dev, []string{"port3", "app0"}, ResolveOptions{AppAutoSource: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := streamNames(descs); !slices.Equal(got, []string{"o3r_di_3", "o3r_ods_0", "o3r_di_2"}) {
		t.Fatalf("streams with original port numbers=%v", got)
	}
}

func TestResolveFlagsMotionCompensation(t *testing.T) {
	testlog.Start(t)
	ports := func() map[string]any {
		return map[string]any{
			"port2": withMotionCompensation(devicetest.Port("IRS2381C", 50012)),
			"port3": withMotionCompensation(devicetest.Port("IRS2877", 50013)),
			"port4": devicetest.Port("IRS2381C", 50014),
		}
	}
	ctx := context.Background()
	sources := []string{"port2", "port3", "port4"}
	flags := func(descs []StreamDescriptor) []bool {
		out := make([]bool, len(descs))
		for i, d := range descs {
			out[i] = d.MotionCompensation
		}
		return out
	}

	plan, err := Resolve(ctx, devicetest.New(deviceDoc("1.0.9-1426", ports(), map[string]any{})), sources, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := flags(plan.Descriptors); !slices.Equal(got, []bool{true, false, false}) {
		t.Fatalf("affected firmware flags=%v", got)
	}
	if plan.Firmware != "1.0.9-1426" || len(plan.Document) == 0 {
		t.Fatalf("plan firmware=%q document=%d bytes", plan.Firmware, len(plan.Document))
	}

	descs, err := ResolveSources(ctx, devicetest.New(deviceDoc("1.4.30", ports(), map[string]any{})), sources, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := flags(descs); !slices.Equal(got, []bool{false, false, false}) {
		t.Fatalf("current firmware flags=%v", got)
	}

	descs, err = ResolveSources(ctx, devicetest.New(deviceDoc("1.4.30", ports(), map[string]any{})), sources, ResolveOptions{ForceDisableMotionCompensation: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := flags(descs); !slices.Equal(got, []bool{true, false, false}) {
		t.Fatalf("forced flags=%v", got)
	}
}

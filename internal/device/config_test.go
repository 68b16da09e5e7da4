package device_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/pcicrec/internal/device"
	"github.com/danmuck/pcicrec/internal/device/devicetest"
	"github.com/danmuck/pcicrec/internal/protocol"
	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

func fakeWithPort2() *devicetest.Fake {
	return devicetest.New(map[string]any{
		"ports": map[string]any{"port2": devicetest.Port("IRS2381C", 50012)},
		"applications": map[string]any{"instances": map[string]any{
			"app0": map[string]any{"class": "ods", "ports": []any{"port2"}, "data": map[string]any{"pcicTCPPort": 51010}},
		}},
	})
}

func TestPCICPortResolvesPortsAndApps(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	dev := fakeWithPort2()
	port, err := device.PCICPort(ctx, dev, "port2")
	if err != nil || port != 50012 {
		t.Fatalf("port2: port=%d err=%v", port, err)
	}
	port, err = device.PCICPort(ctx, dev, "app0")
	if err != nil || port != 51010 {
		t.Fatalf("app0: port=%d err=%v", port, err)
	}
	if _, err := device.PCICPort(ctx, dev, "imu"); !errors.Is(err, device.ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestSetAlgoDebugBuildsNestedRequest(t *testing.T) {
	testlog.Start(t)
	dev := fakeWithPort2()
	if err := device.SetAlgoDebug(context.Background(), dev, "app0", true, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	sets := dev.Sets()
	if len(sets) != 1 {
		t.Fatalf("expected one set call, got %d", len(sets))
	}
	var got map[string]any
	if err := json.Unmarshal(sets[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, _ := device.Lookup(got, "/applications/instances/app0/data/algoDebugFlag"); v != true {
		t.Fatalf("unexpected request %s", sets[0])
	}
	if v, _ := device.Lookup(got, "/applications/instances/app0/state"); v != "RUN" {
		t.Fatalf("autostart state missing in %s", sets[0])
	}

	if err := device.SetAlgoDebug(context.Background(), dev, "port2", false, false); err != nil {
		t.Fatalf("set: %v", err)
	}
	if string(dev.Sets()[1]) != `{"ports":{"port2":{"data":{"algoDebugFlag":false}}}}` {
		t.Fatalf("unexpected disable request %s", dev.Sets()[1])
	}
}

func TestMatchesExpected(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	dev := fakeWithPort2()
	ok := map[string][]any{"/info/sensor": {"IRS2381C", "IRS2877"}, "data/pcicTCPPort": {50012}}
	if err := device.MatchesExpected(ctx, dev, "port2", ok); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	for _, expected := range []map[string][]any{
		{"/info/sensor": {"OV9782"}},
		{"/info/missing": {"x"}},
	} {
		if err := device.MatchesExpected(ctx, dev, "port2", expected); !errors.Is(err, protocol.ErrConfigMismatch) {
			t.Fatalf("%v: expected ErrConfigMismatch, got %v", expected, err)
		}
	}
	if err := device.MatchesExpected(ctx, dev, "port5", ok); !errors.Is(err, protocol.ErrConfigMismatch) {
		t.Fatalf("missing source: expected ErrConfigMismatch, got %v", err)
	}
}

func TestIsLegacy(t *testing.T) {
	testlog.Start(t)
	dev := fakeWithPort2()
	for version, want := range map[string]bool{"0.15.3": true, "0.16.0": false, "1.1.2": false, "junk": false} {
		dev.SetVersion(map[string]string{"Main_Application": version})
		got, err := device.IsLegacy(context.Background(), dev)
		if err != nil || got != want {
			t.Fatalf("version %s: got=%v err=%v", version, got, err)
		}
	}
}

func TestLookupArrays(t *testing.T) {
	testlog.Start(t)
	doc := map[string]any{"a": []any{map[string]any{"b": "c"}}}
	if v, ok := device.Lookup(doc, "/a/0/b"); !ok || v != "c" {
		t.Fatalf("unexpected lookup %v %v", v, ok)
	}
	if _, ok := device.Lookup(doc, "/a/3/b"); ok {
		t.Fatalf("out of range index resolved")
	}
}

func TestLookupIntAndString(t *testing.T) {
	testlog.Start(t)
	doc, err := device.Decode(json.RawMessage(`{"ports":{"port2":{"data":{"pcicTCPPort":50012},"info":{"sensor":"IRS2381C"}}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if port, err := device.LookupInt(doc, "/ports/port2/data/pcicTCPPort"); err != nil || port != 50012 {
		t.Fatalf("port=%d err=%v", port, err)
	}
	if _, err := device.LookupInt(doc, "/ports/port2/info/sensor"); !errors.Is(err, device.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for string, got %v", err)
	}
	if s, ok := device.LookupString(doc, "ports/port2/info/sensor"); !ok || s != "IRS2381C" {
		t.Fatalf("sensor=%q ok=%v", s, ok)
	}
	if _, ok := device.LookupString(doc, "/ports/port3/info/sensor"); ok {
		t.Fatalf("missing port resolved")
	}
}

package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/pcicrec/internal/container"
	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

func writeRecording(t *testing.T) string {
	t.Helper()
	w, err := container.Create(filepath.Join(t.TempDir(), "rec"), []container.StreamDef{
		{ID: 0, Name: "o3r_json", Format: "json"},
		{ID: 1, Name: "o3r_di_0", Format: "imeas", Source: "port2", Sensor: "IRS2381C"},
	}, container.Options{Attrs: map[string]string{"host": "192.168.0.69"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ts := time.Unix(1700000000, 0)
	if err := w.WriteFrame("o3r_json", []byte(`{"ports":{}}`), "json", ts); err != nil {
		t.Fatalf("write json: %v", err)
	}
	for i := range 2 {
		if err := w.WriteFrame("o3r_di_0", bytes.Repeat([]byte{byte(i)}, 64), "imeas", ts.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("write frame %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return w.Path()
}

func TestDumpPrintsIndexInOrder(t *testing.T) {
	testlog.Start(t)
	path := writeRecording(t)
	var out bytes.Buffer
	if err := dump(&out, options{path: path}); err != nil {
		t.Fatalf("dump: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "complete=true frames=3") || !strings.Contains(text, "host=192.168.0.69") {
		t.Fatalf("missing header:\n%s", text)
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	rows := lines[len(lines)-3:]
	if !strings.Contains(rows[0], "o3r_json") || !strings.Contains(rows[1], "o3r_di_0") || !strings.HasSuffix(rows[2], "64") {
		t.Fatalf("unexpected rows:\n%s", strings.Join(rows, "\n"))
	}

	out.Reset()
	if err := dump(&out, options{path: path, stream: "o3r_di_0"}); err != nil {
		t.Fatalf("dump stream: %v", err)
	}
	if strings.Contains(out.String(), "o3r_json") || strings.Count(out.String(), "o3r_di_0") != 2 {
		t.Fatalf("stream filter not applied:\n%s", out.String())
	}
}

func TestDumpSummaryAndArgs(t *testing.T) {
	testlog.Start(t)
	path := writeRecording(t)
	var out bytes.Buffer
	if err := dump(&out, options{path: path, summary: true}); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out.String(), "IRS2381C") || !strings.Contains(out.String(), "STREAM") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
	if _, err := parseArgs(nil); err == nil {
		t.Fatalf("expected error without a path")
	}
	opts, err := parseArgs([]string{"--summary", path})
	if err != nil || !opts.summary || opts.path != path {
		t.Fatalf("parse opts=%+v err=%v", opts, err)
	}
	if err := dump(&out, options{path: filepath.Join(t.TempDir(), "missing.pcrec")}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

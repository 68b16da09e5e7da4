package observability

import (
	"testing"
	"time"

	"github.com/danmuck/pcicrec/internal/testutil/testlog"
	dto "github.com/prometheus/client_model/go"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordSessionFrame("port2", 28)
	RecordChunksDropped("port2", 0)
	RecordChunksDropped("port2", 3)
	RecordReconnect("port2")
	RecordPushRetry("port2")
	SetQueueDepth(4)
	RecordContainerWrite("o3r_di_0", 64)

	var m dto.Metric
	if err := sessionChunksDropped.WithLabelValues("port2").Write(&m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got < 3 {
		t.Fatalf("unexpected dropped count %v", got)
	}
	m.Reset()
	if err := recorderQueueDepth.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 4 {
		t.Fatalf("unexpected queue depth %v", got)
	}
}

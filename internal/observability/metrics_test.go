package observability

import (
	"testing"
	"time"

	"github.com/danmuck/castline/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordRegistration("registered", 0, 3*time.Millisecond)
	RecordRegistration("broadcast_writer_setup_errored", 2001, time.Millisecond)
	SetWritersActive(2)
	relayedBefore := testutil.ToFloat64(recordsRelayed)
	RecordRelayed()
	RecordRelayed()
	RecordDropped("slow_subscriber")

	if got := testutil.ToFloat64(writersActive); got != 2 {
		t.Fatalf("unexpected writers gauge: %v", got)
	}
	if got := testutil.ToFloat64(recordsRelayed) - relayedBefore; got != 2 {
		t.Fatalf("unexpected relayed delta: %v", got)
	}
	if got := testutil.CollectAndCount(recordsRelayed); got != 1 {
		t.Fatalf("relayed counter should be a single series, got %d", got)
	}
	if got := testutil.ToFloat64(registrations.WithLabelValues("broadcast_writer_setup_errored", "2xxx")); got < 1 {
		t.Fatalf("expected setup errored counter, got %v", got)
	}
}

func TestCodeLabelBuckets(t *testing.T) {
	testlog.Start(t)
	cases := map[uint32]string{0: "0", 1001: "1xxx", 2002: "2xxx", 3001: "3xxx"}
	for code, want := range cases {
		if got := codeLabel(code); got != want {
			t.Fatalf("codeLabel(%d) got=%q want=%q", code, got, want)
		}
	}
}

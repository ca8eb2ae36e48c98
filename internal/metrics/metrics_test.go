package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecordFrame(t *testing.T) {
	framesTotal.Reset()
	bytesTotal.Reset()

	RecordFrame(DirectionOut, 100)
	RecordFrame(DirectionOut, 20)
	RecordFrame(DirectionIn, 5)

	metric := &dto.Metric{}
	if err := framesTotal.WithLabelValues(DirectionOut).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected 2 outbound frames, got %f", metric.Counter.GetValue())
	}

	metric = &dto.Metric{}
	if err := bytesTotal.WithLabelValues(DirectionOut).Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 120 {
		t.Errorf("Expected 120 outbound bytes, got %f", metric.Counter.GetValue())
	}
}

func TestRecordConnectivity(t *testing.T) {
	connectivityChangesTotal.Reset()

	RecordConnectivity("main", true)
	RecordConnectivity("main", false)
	RecordConnectivity("main", true)

	metric := &dto.Metric{}
	if err := connectivityChangesTotal.WithLabelValues("main", "connected").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Errorf("Expected 2 connected transitions, got %f", metric.Counter.GetValue())
	}
}

func TestRecordChangeSet(t *testing.T) {
	changedPathsTotal.Reset()

	RecordChangeSet(3, 1)

	metric := &dto.Metric{}
	if err := changedPathsTotal.WithLabelValues("removed").Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Counter.GetValue() != 1 {
		t.Errorf("Expected 1 removed path, got %f", metric.Counter.GetValue())
	}
}

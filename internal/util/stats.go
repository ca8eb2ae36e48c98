package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/tether/internal/metrics"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide frame/traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // cumulative frames written to a channel
	FramesRecv atomic.Int64 // cumulative frames delivered by a channel
	BytesSent  atomic.Int64 // cumulative wire bytes written
	BytesRecv  atomic.Int64 // cumulative wire bytes read
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
	metrics.RecordFrame(metrics.DirectionOut, n)
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
	metrics.RecordFrame(metrics.DirectionIn, n)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevFramesOut, prevFramesIn int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				framesOut := Stats.FramesSent.Load()
				framesIn := Stats.FramesRecv.Load()

				outS := float64(sent-prevSent) / reportInterval.Seconds()
				inS := float64(recv-prevRecv) / reportInterval.Seconds()

				if framesOut != prevFramesOut || framesIn != prevFramesIn {
					pterm.DefaultLogger.Info(formatStats(outS, inS, framesOut-prevFramesOut, framesIn-prevFramesIn))
				}

				prevSent = sent
				prevRecv = recv
				prevFramesOut = framesOut
				prevFramesIn = framesIn

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(outS, inS float64, framesOut, framesIn int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Frames: %3d↑ %3d↓",
		formatBytes(outS),
		formatBytes(inS),
		framesOut,
		framesIn,
	)
}

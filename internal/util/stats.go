package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/channel counter.
var Stats = &stats{}

type stats struct {
	OpenedChannels atomic.Int64 // channels confirmed to the peer since process start
	ClosedChannels atomic.Int64 // channels removed since process start
	BytesToPeer    atomic.Int64 // local payload bytes framed towards the peer
	BytesFromPeer  atomic.Int64 // payload bytes written to local sockets
}

func (s *stats) ChannelOpened()      { s.OpenedChannels.Add(1) }
func (s *stats) ChannelClosed()      { s.ClosedChannels.Add(1) }
func (s *stats) AddToPeer(n int)     { s.BytesToPeer.Add(int64(n)) }
func (s *stats) AddFromPeer(n int)   { s.BytesFromPeer.Add(int64(n)) }
func (s *stats) OpenChannels() int64 { return s.OpenedChannels.Load() - s.ClosedChannels.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics every
// interval while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevOut, prevIn, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.OpenedChannels.Load()
				closed := Stats.ClosedChannels.Load()
				out := Stats.BytesToPeer.Load()
				in := Stats.BytesFromPeer.Load()

				secs := interval.Seconds()
				outS := float64(out-prevOut) / secs
				inS := float64(in-prevIn) / secs
				up := opened - prevOpened
				down := closed - prevClosed

				if up > 0 || down > 0 || outS > 10 || inS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, up, down, opened-closed))
				}

				prevOut, prevIn = out, in
				prevOpened, prevClosed = opened, closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, up, down, open int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Channels: %2d↑ %2d↓ (%d open)",
		sizestr.ToString(int64(inS)),
		sizestr.ToString(int64(outS)),
		up,
		down,
		open,
	)
}

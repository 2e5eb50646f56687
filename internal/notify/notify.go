// Package notify renders alert payloads into channel-specific formats and
// dispatches them. Channels are independent: one failing channel never
// blocks the others.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liveops/internal/logger"
	"liveops/internal/metrics"
)

// Trend is the direction a metric moved between windows.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// MetricChange is one per-metric old/new/delta line of a notification.
type MetricChange struct {
	Name          string   `json:"name"`
	Old           *float64 `json:"old,omitempty"`
	New           float64  `json:"new"`
	Change        *float64 `json:"change,omitempty"`
	PercentChange *float64 `json:"percent_change,omitempty"`
	Trend         Trend    `json:"trend"`
}

// Payload is the channel-independent notification body.
type Payload struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metrics     []MetricChange `json:"metrics,omitempty"`
	StudioID    string         `json:"studio_id,omitempty"`
	Branch      string         `json:"branch,omitempty"`
	Environment string         `json:"environment,omitempty"`
	At          time.Time      `json:"at"`
}

// Channel delivers a payload to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}

// Result is the outcome of one channel's delivery attempt.
type Result struct {
	Channel string
	Err     error
}

// Dispatch fans a payload out to every channel concurrently and collects all
// outcomes; it never short-circuits on the first failure.
func Dispatch(ctx context.Context, channels []Channel, p Payload) []Result {
	results := make([]Result, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			err := ch.Send(ctx, p)
			results[i] = Result{Channel: ch.Name(), Err: err}
			if err != nil {
				metrics.Notifications.WithLabelValues(ch.Name(), "error").Inc()
				logger.With("notify").Error().Err(err).Str("channel", ch.Name()).Str("alert", p.Title).Msg("notification failed")
			} else {
				metrics.Notifications.WithLabelValues(ch.Name(), "ok").Inc()
			}
		}(i, ch)
	}
	wg.Wait()
	return results
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func (m MetricChange) summary() string {
	out := formatValue(m.New)
	if m.Old != nil {
		out = formatValue(*m.Old) + " -> " + out
	}
	if m.PercentChange != nil {
		out += fmt.Sprintf(" (%+.1f%%)", *m.PercentChange)
	}
	return out
}

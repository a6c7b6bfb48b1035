// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived  *prometheus.CounterVec // by source: twitch|youtube|notice
	MessagesIgnored   prometheus.Counter
	LinesAppended     prometheus.Counter
	CoverageMisses    prometheus.Counter
	UnrenderableRuns  prometheus.Counter
	ImageFetchFailed  *prometheus.CounterVec // by kind: emote|badge
	Redraws           prometheus.Counter
	DisplayPowerFlips *prometheus.CounterVec // by state: on|off

	// Histograms (seconds)
	RedrawDuration prometheus.Observer
	LayoutDuration prometheus.Observer

	// Gauges
	DisplayActiveGauge prometheus.Gauge // 1=active,0=idle
	BufferLinesGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatscreen_messages_received_total", Help: "Chat messages and notices received"}, []string{"source"})
		MessagesIgnored = promauto.NewCounter(prometheus.CounterOpts{Name: "chatscreen_messages_ignored_total", Help: "Messages dropped because the sender is ignored"})
		LinesAppended = promauto.NewCounter(prometheus.CounterOpts{Name: "chatscreen_lines_appended_total", Help: "Wrapped lines appended to the chat buffer"})
		CoverageMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "chatscreen_font_coverage_misses_total", Help: "Characters no loaded font could render"})
		UnrenderableRuns = promauto.NewCounter(prometheus.CounterOpts{Name: "chatscreen_unrenderable_runs_total", Help: "Text runs that had unrenderable code points removed"})
		ImageFetchFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatscreen_image_fetch_failed_total", Help: "Emote or badge images that could not be fetched"}, []string{"kind"})
		Redraws = promauto.NewCounter(prometheus.CounterOpts{Name: "chatscreen_redraws_total", Help: "Frames redrawn by the render loop"})
		DisplayPowerFlips = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatscreen_display_power_total", Help: "Display power transitions"}, []string{"state"})
		RedrawDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatscreen_redraw_duration_seconds", Help: "Time to draw and present one frame", Buckets: prometheus.ExponentialBuckets(0.001, 2, 12)})
		LayoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatscreen_layout_duration_seconds", Help: "Time to tokenize and wrap one message", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14)})
		DisplayActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatscreen_display_active", Help: "Display active=1 idle=0"})
		BufferLinesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatscreen_buffer_lines", Help: "Lines currently held in the chat buffer"})
	})
}

// IncMessage counts one received message for source.
func IncMessage(source string) {
	if MessagesReceived != nil {
		MessagesReceived.WithLabelValues(source).Inc()
	}
}

// IncIgnored counts one message dropped by the ignore list.
func IncIgnored() {
	if MessagesIgnored != nil {
		MessagesIgnored.Inc()
	}
}

// AddLines counts lines appended to the buffer.
func AddLines(n int) {
	if LinesAppended != nil {
		LinesAppended.Add(float64(n))
	}
}

// IncCoverageMiss counts one character without font coverage.
func IncCoverageMiss() {
	if CoverageMisses != nil {
		CoverageMisses.Inc()
	}
}

// IncUnrenderable counts one text run that lost unrenderable code points.
func IncUnrenderable() {
	if UnrenderableRuns != nil {
		UnrenderableRuns.Inc()
	}
}

// IncImageFetchFailed counts one failed emote/badge lookup.
func IncImageFetchFailed(kind string) {
	if ImageFetchFailed != nil {
		ImageFetchFailed.WithLabelValues(kind).Inc()
	}
}

// IncRedraw counts one presented frame.
func IncRedraw() {
	if Redraws != nil {
		Redraws.Inc()
	}
}

// SetDisplayActive sets the gauge to 1 if active else 0 and counts the flip.
func SetDisplayActive(active bool) {
	if DisplayActiveGauge != nil {
		if active {
			DisplayActiveGauge.Set(1)
		} else {
			DisplayActiveGauge.Set(0)
		}
	}
	if DisplayPowerFlips != nil {
		if active {
			DisplayPowerFlips.WithLabelValues("on").Inc()
		} else {
			DisplayPowerFlips.WithLabelValues("off").Inc()
		}
	}
}

// SetBufferLines records the current buffer length.
func SetBufferLines(n int) {
	if BufferLinesGauge != nil {
		BufferLinesGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

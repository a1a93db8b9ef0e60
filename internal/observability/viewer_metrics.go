package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ViewerCollector exposes metrics for the monitor channel.
type ViewerCollector struct {
	Sessions      prometheus.Gauge
	DroppedFrames prometheus.Counter
	FrameBytes    prometheus.Histogram
}

// NewViewerCollector registers viewer metrics against the provided registerer.
func NewViewerCollector(reg prometheus.Registerer) (*ViewerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_sessions",
		Help: "Currently connected monitor sessions.",
	}), "viewer_sessions")
	if err != nil {
		return nil, err
	}

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "viewer_dropped_frames_total",
		Help: "Outbound frames discarded because a session queue was full.",
	})
	if err := reg.Register(dropped); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				dropped = existing
			} else {
				return nil, err
			}
		} else {
			return nil, err
		}
	}

	frameBytes, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "viewer_frame_bytes",
		Help:    "Size of broadcast frames in bytes.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	}), "viewer_frame_bytes")
	if err != nil {
		return nil, err
	}

	return &ViewerCollector{
		Sessions:      sessions,
		DroppedFrames: dropped,
		FrameBytes:    frameBytes,
	}, nil
}

// SetSessions records the current session count.
func (c *ViewerCollector) SetSessions(n int) {
	if c == nil || c.Sessions == nil {
		return
	}
	c.Sessions.Set(float64(n))
}

// AddDroppedFrames adds to the dropped frame counter.
func (c *ViewerCollector) AddDroppedFrames(n uint64) {
	if c == nil || c.DroppedFrames == nil {
		return
	}
	c.DroppedFrames.Add(float64(n))
}

// ObserveFrameBytes records one broadcast frame size.
func (c *ViewerCollector) ObserveFrameBytes(n int) {
	if c == nil || c.FrameBytes == nil {
		return
	}
	c.FrameBytes.Observe(float64(n))
}

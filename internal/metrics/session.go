package metrics

import "github.com/prometheus/client_golang/prometheus"

// Session is the set of collectors for one endpoint. A nil *Session
// discards everything, so sessions built without metrics need no checks.
type Session struct {
	m        *Metrics
	endpoint string

	decoded      prometheus.Counter
	corrupt      prometheus.Counter
	invalidTS    prometheus.Counter
	overrun      prometheus.Counter
	rejected     prometheus.Counter
	reconnects   prometheus.Counter
	backfilled   prometheus.Counter
	frames       prometheus.Gauge
	pending      prometheus.Gauge
	backpressure prometheus.Gauge
	state        prometheus.Gauge
}

// Session returns the collectors for endpoint. Calling it on a nil
// *Metrics returns nil.
func (m *Metrics) Session(endpoint string) *Session {
	if m == nil {
		return nil
	}
	return &Session{
		m:            m,
		endpoint:     endpoint,
		decoded:      m.framesDecoded.WithLabelValues(endpoint),
		corrupt:      m.framesCorrupt.WithLabelValues(endpoint),
		invalidTS:    m.invalidTimestamps.WithLabelValues(endpoint),
		overrun:      m.framesOverrun.WithLabelValues(endpoint),
		rejected:     m.framesRejected.WithLabelValues(endpoint),
		reconnects:   m.reconnects.WithLabelValues(endpoint),
		backfilled:   m.backfilled.WithLabelValues(endpoint),
		frames:       m.bufferFrames.WithLabelValues(endpoint),
		pending:      m.bufferPending.WithLabelValues(endpoint),
		backpressure: m.backpressure.WithLabelValues(endpoint),
		state:        m.sessionState.WithLabelValues(endpoint),
	}
}

// FrameDecoded counts one appended frame.
func (s *Session) FrameDecoded() {
	if s == nil {
		return
	}
	s.decoded.Inc()
}

// FrameCorrupt counts one skipped frame.
func (s *Session) FrameCorrupt() {
	if s == nil {
		return
	}
	s.corrupt.Inc()
}

// InvalidTimestamp counts one flagged frame.
func (s *Session) InvalidTimestamp() {
	if s == nil {
		return
	}
	s.invalidTS.Inc()
}

// Overrun adds evicted-before-read frames.
func (s *Session) Overrun(n int64) {
	if s == nil || n <= 0 {
		return
	}
	s.overrun.Add(float64(n))
}

// Rejected counts one refused append.
func (s *Session) Rejected() {
	if s == nil {
		return
	}
	s.rejected.Inc()
}

// Reconnected counts one successful reconnect.
func (s *Session) Reconnected() {
	if s == nil {
		return
	}
	s.reconnects.Inc()
}

// Backfilled adds history frames.
func (s *Session) Backfilled(n int) {
	if s == nil || n <= 0 {
		return
	}
	s.backfilled.Add(float64(n))
}

// Buffer records buffer fill and backpressure level.
func (s *Session) Buffer(frames int, pending float64, level int) {
	if s == nil {
		return
	}
	s.frames.Set(float64(frames))
	s.pending.Set(pending)
	s.backpressure.Set(float64(level))
}

// State records the session state.
func (s *Session) State(state int) {
	if s == nil {
		return
	}
	s.state.Set(float64(state))
}

// Forget removes the endpoint's series once the session is gone.
func (s *Session) Forget() {
	if s == nil {
		return
	}
	for _, vec := range []*prometheus.CounterVec{
		s.m.framesDecoded, s.m.framesCorrupt, s.m.invalidTimestamps,
		s.m.framesOverrun, s.m.framesRejected, s.m.reconnects, s.m.backfilled,
	} {
		vec.DeleteLabelValues(s.endpoint)
	}
	for _, vec := range []*prometheus.GaugeVec{
		s.m.bufferFrames, s.m.bufferPending, s.m.backpressure, s.m.sessionState,
	} {
		vec.DeleteLabelValues(s.endpoint)
	}
}

// PostProcess is the set of collectors for one post-process buffer.
type PostProcess struct {
	frames   prometheus.Counter
	bytes    prometheus.Counter
	segments prometheus.Counter
	rejected prometheus.Counter
}

// PostProcess returns the collectors for a source name. Calling it on a nil
// *Metrics returns nil.
func (m *Metrics) PostProcess(source string) *PostProcess {
	if m == nil {
		return nil
	}
	return &PostProcess{
		frames:   m.ppFrames.WithLabelValues(source),
		bytes:    m.ppBytes.WithLabelValues(source),
		segments: m.ppSegments.WithLabelValues(source),
		rejected: m.ppRejected.WithLabelValues(source),
	}
}

// Appended counts frames and bytes of one batch.
func (p *PostProcess) Appended(frames, bytes int) {
	if p == nil {
		return
	}
	p.frames.Add(float64(frames))
	p.bytes.Add(float64(bytes))
}

// Rolled counts one segment rollover.
func (p *PostProcess) Rolled() {
	if p == nil {
		return
	}
	p.segments.Inc()
}

// Rejected counts one refused batch.
func (p *PostProcess) Rejected() {
	if p == nil {
		return
	}
	p.rejected.Inc()
}

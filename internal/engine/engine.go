// Package engine is the reconciliation orchestrator: it composes the
// transcript buffer, the timeline tracker, the upstream connection, and the
// final-segment sink behind a single-writer task loop, and publishes an
// immutable snapshot to subscribers on every visible change.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/snarg/lt-engine/internal/buffer"
	"github.com/snarg/lt-engine/internal/conn"
	"github.com/snarg/lt-engine/internal/metrics"
	"github.com/snarg/lt-engine/internal/segment"
	"github.com/snarg/lt-engine/internal/timeline"
)

// FinalSink receives every finalized segment. Publishing is best effort; a
// failing sink never blocks or corrupts the live transcript.
type FinalSink interface {
	PublishFinal(ctx context.Context, seg segment.Segment) error
}

const defaultDebounceDelay = 150 * time.Millisecond

// Options configures an Engine.
type Options struct {
	Buffer   buffer.Config
	Timeline timeline.Config

	// DebounceDelay coalesces bursts of partial updates into one snapshot.
	// Finalizations always publish immediately. Negative disables debouncing.
	DebounceDelay time.Duration

	// Conn describes the upstream recognition stream. With an empty URL or
	// nil Transport the engine runs without an upstream connection and is
	// fed through Ingest only. OnMessage and OnStateChange are owned by the
	// engine and must be left unset.
	Conn conn.Options

	// Sink, when non-nil, receives finalized segments.
	Sink FinalSink

	Log zerolog.Logger
}

// Snapshot is the full observable state published to subscribers.
type Snapshot struct {
	Transcript       segment.TranscriptState `json:"transcript"`
	Connection       conn.Metrics            `json:"connection"`
	Continuity       Continuity              `json:"continuity"`
	SessionActive    bool                    `json:"session_active"`
	SessionStartedAt time.Time               `json:"session_started_at"`
}

// Continuity summarizes timeline coverage for the current session.
type Continuity struct {
	Score           float64        `json:"score"`
	Gaps            []timeline.Gap `json:"gaps"`
	SignificantGaps bool           `json:"significant_gaps"`
}

// SessionSummary is returned when a session ends.
type SessionSummary struct {
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	DurationMs      int64          `json:"duration_ms"`
	FinalSegments   int            `json:"final_segments"`
	PartialUpdates  int            `json:"partial_updates"`
	Corrections     int            `json:"corrections"`
	ContinuityScore float64        `json:"continuity_score"`
	Gaps            []timeline.Gap `json:"gaps"`
}

// MemoryUsage reports the transcript's in-memory footprint.
type MemoryUsage struct {
	SegmentCount   int   `json:"segment_count"`
	EstimatedBytes int64 `json:"estimated_bytes"`
	EvictedTotal   int64 `json:"evicted_total"`
}

// ContinuityReport is the result of an explicit continuity validation.
type ContinuityReport struct {
	Score       float64  `json:"score"`
	Valid       bool     `json:"valid"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

type subscription struct {
	id uint64
	fn func(Snapshot)
}

// Engine serializes all transcript mutation through one task loop: transport
// callbacks, debounce timers, and API calls all post functions onto the same
// channel, so the buffer and tracker never need their own locking.
type Engine struct {
	opts Options
	log  zerolog.Logger

	buf     *buffer.Buffer
	tracker *timeline.Tracker
	conn    *conn.Manager // nil when no upstream is configured
	sink    FinalSink

	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	// Everything below is owned by the task loop.
	subs      []subscription
	nextSubID uint64

	sessionActive bool
	sessionStart  time.Time

	pendingPublish bool
	debounceTimer  *time.Timer
}

// New creates an engine and starts its task loop.
func New(opts Options) *Engine {
	if opts.DebounceDelay == 0 {
		opts.DebounceDelay = defaultDebounceDelay
	}
	log := opts.Log.With().Str("component", "engine").Logger()

	e := &Engine{
		opts:  opts,
		log:   log,
		buf:   buffer.New(opts.Buffer, opts.Log),
		sink:  opts.Sink,
		tasks: make(chan func(), 512),
		done:  make(chan struct{}),
	}
	e.tracker = timeline.New(opts.Timeline, opts.Log)

	if opts.Conn.URL != "" && opts.Conn.Transport != nil {
		co := opts.Conn
		co.Log = opts.Log
		co.OnMessage = e.handleUpstreamMessage
		co.OnStateChange = func(s conn.State) {
			e.do(func() { e.handleConnState(s) })
		}
		e.conn = conn.New(co)
	}

	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			return
		}
	}
}

// do posts a task for asynchronous execution on the engine loop.
func (e *Engine) do(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// call posts a task and waits for it to run. After Close it returns without
// executing.
func (e *Engine) call(fn func()) {
	ran := make(chan struct{})
	select {
	case e.tasks <- func() { fn(); close(ran) }:
	case <-e.done:
		return
	}
	select {
	case <-ran:
	case <-e.done:
	}
}

// Ingest feeds one recognition event into the transcript and returns the id
// of the segment it landed in.
func (e *Engine) Ingest(ev RecognitionEvent) string {
	var id string
	e.call(func() { id = e.ingest(ev, time.Now()) })
	return id
}

func (e *Engine) ingest(ev RecognitionEvent, now time.Time) string {
	kind := "final"
	if ev.IsPartial {
		kind = "partial"
	}
	metrics.SegmentsIngestedTotal.WithLabelValues(kind).Inc()

	r := e.buf.Add(ev.toSegment(), now)
	if r.Correction {
		metrics.CorrectionsTotal.Inc()
	}
	if r.Evicted > 0 {
		metrics.SegmentsEvictedTotal.Add(float64(r.Evicted))
	}

	if r.Finalized {
		e.afterFinalize(r.Segment)
		e.publish()
	} else {
		e.schedulePublish()
	}
	return r.SegmentID
}

// afterFinalize feeds a freshly finalized segment into the timeline tracker
// and the external sink. Segments without reported timing get an estimated
// span so continuity accounting stays meaningful.
func (e *Engine) afterFinalize(seg segment.Segment) {
	chars := utf8.RuneCountInString(seg.Text)
	startMs, endMs := seg.AudioStartMs, seg.AudioEndMs
	if seg.HasAudioTime {
		if endMs <= startMs {
			endMs = startMs + e.tracker.EstimateDurationMs(chars)
		}
		e.tracker.RecordChars(chars)
	} else {
		startMs, endMs = e.tracker.Estimate(chars)
	}

	before := e.tracker.GapCount()
	e.tracker.Record(seg.ID, startMs, endMs)
	if n := e.tracker.GapCount() - before; n > 0 {
		metrics.GapsDetectedTotal.Add(float64(n))
	}

	if e.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = e.sink.PublishFinal(ctx, seg) // the sink logs its own failures
		}()
	}
}

// schedulePublish arms the debounce timer for a partial update. Repeated
// partials within the window collapse into one snapshot.
func (e *Engine) schedulePublish() {
	if e.opts.DebounceDelay < 0 {
		e.publish()
		return
	}
	e.pendingPublish = true
	if e.debounceTimer == nil {
		e.debounceTimer = time.AfterFunc(e.opts.DebounceDelay, func() {
			e.do(e.flushPending)
		})
	}
}

func (e *Engine) flushPending() {
	e.debounceTimer = nil
	if e.pendingPublish {
		e.publish()
	}
}

func (e *Engine) cancelDebounce() {
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.pendingPublish = false
}

func (e *Engine) publish() {
	e.pendingPublish = false
	snap := e.snapshot()
	metrics.SnapshotsPublishedTotal.Inc()
	for _, s := range e.subs {
		e.deliver(s, snap)
	}
}

// deliver isolates one subscriber callback. A panicking subscriber must not
// take down the engine loop or starve the remaining subscribers.
func (e *Engine) deliver(s subscription, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Uint64("subscriber", s.id).Msg("subscriber panicked")
		}
	}()
	s.fn(snap)
}

func (e *Engine) snapshot() Snapshot {
	return Snapshot{
		Transcript: e.buf.Snapshot(),
		Connection: e.connMetrics(),
		Continuity: Continuity{
			Score:           e.tracker.ContinuityScore(),
			Gaps:            e.tracker.ActiveGaps(),
			SignificantGaps: e.tracker.HasSignificantGaps(),
		},
		SessionActive:    e.sessionActive,
		SessionStartedAt: e.sessionStart,
	}
}

func (e *Engine) connMetrics() conn.Metrics {
	if e.conn == nil {
		return conn.Metrics{State: conn.StateDisconnected, Quality: conn.QualityGood}
	}
	return e.conn.Metrics()
}

// handleUpstreamMessage runs on the transport read loop; it decodes and posts
// the event onto the task loop, which also applies backpressure to the read
// loop when ingestion falls behind.
func (e *Engine) handleUpstreamMessage(data []byte) {
	ev, err := DecodeRecognitionEvent(data)
	if err != nil {
		metrics.MalformedEventsTotal.Inc()
		e.log.Warn().Err(err).Msg("dropping malformed upstream event")
		return
	}
	e.do(func() { e.ingest(ev, time.Now()) })
}

func (e *Engine) handleConnState(s conn.State) {
	e.log.Debug().Str("state", string(s)).Msg("connection state changed")
	e.publish()
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.call(func() { snap = e.snapshot() })
	return snap
}

// ConnectionMetrics returns the upstream connection health counters without
// going through the task loop; the connection manager is internally locked.
func (e *Engine) ConnectionMetrics() conn.Metrics {
	return e.connMetrics()
}

// Subscribe registers a snapshot observer and returns its unsubscribe
// function. The current snapshot is delivered synchronously on subscribe, so
// observers never start from a blank state. Subscribers are invoked in
// registration order from the engine loop and must not block.
func (e *Engine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	var id uint64
	e.call(func() {
		e.nextSubID++
		id = e.nextSubID
		e.subs = append(e.subs, subscription{id: id, fn: fn})
		e.deliver(e.subs[len(e.subs)-1], e.snapshot())
	})
	return func() {
		e.call(func() {
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// StartSession resets the transcript and timeline and, when an upstream is
// configured, dials it. The dial error is returned but the reconnect schedule
// keeps running regardless; the session is active either way.
func (e *Engine) StartSession(ctx context.Context) error {
	e.call(func() {
		e.buf.Reset()
		e.tracker.Reset()
		e.cancelDebounce()
		e.sessionActive = true
		e.sessionStart = time.Now()
		e.log.Info().Msg("session started")
		e.publish()
	})
	if e.conn == nil {
		return nil
	}
	return e.conn.Connect(ctx)
}

// EndSession finalizes all open partials, disconnects the upstream, and
// returns the session summary. Ending an inactive session is harmless and
// summarizes whatever transcript is held.
func (e *Engine) EndSession() SessionSummary {
	var sum SessionSummary
	e.call(func() {
		now := time.Now()
		for _, p := range e.buf.OpenPartials() {
			if r, ok := e.buf.Finalize(p.ID, "", false, now); ok {
				e.afterFinalize(r.Segment)
			}
		}
		st := e.buf.Snapshot()
		sum = SessionSummary{
			StartedAt:       e.sessionStart,
			EndedAt:         now,
			FinalSegments:   st.Stats.FinalCount,
			PartialUpdates:  st.Stats.PartialUpdates,
			Corrections:     st.Stats.Corrections,
			ContinuityScore: e.tracker.ContinuityScore(),
			Gaps:            e.tracker.Gaps(),
		}
		if e.sessionActive {
			sum.DurationMs = now.Sub(e.sessionStart).Milliseconds()
		}
		e.sessionActive = false
		e.cancelDebounce()
		e.log.Info().
			Int64("duration_ms", sum.DurationMs).
			Int("final_segments", sum.FinalSegments).
			Float64("continuity_score", sum.ContinuityScore).
			Msg("session ended")
		e.publish()
	})
	if e.conn != nil {
		e.conn.Disconnect()
	}
	return sum
}

// FinalizeSegment resolves an open partial by id, optionally overriding its
// text. An empty finalText keeps the partial's last text. It reports false
// for unknown or already-finalized ids.
func (e *Engine) FinalizeSegment(id, finalText string) bool {
	var ok bool
	e.call(func() {
		r, found := e.buf.Finalize(id, finalText, finalText != "", time.Now())
		if !found {
			return
		}
		ok = true
		if r.Correction {
			metrics.CorrectionsTotal.Inc()
		}
		if r.Evicted > 0 {
			metrics.SegmentsEvictedTotal.Add(float64(r.Evicted))
		}
		e.afterFinalize(r.Segment)
		e.publish()
	})
	return ok
}

// Clear wipes the transcript, subject to the persistent-display policy. It
// reports whether anything was cleared.
func (e *Engine) Clear() bool {
	var cleared bool
	e.call(func() {
		if cleared = e.buf.Clear(); cleared {
			e.tracker.Reset()
			e.cancelDebounce()
			e.publish()
		}
	})
	return cleared
}

// MemoryUsage reports the transcript footprint for the diagnostics surface.
func (e *Engine) MemoryUsage() MemoryUsage {
	var mu MemoryUsage
	e.call(func() {
		count, bytes := e.buf.MemoryUsage()
		mu = MemoryUsage{
			SegmentCount:   count,
			EstimatedBytes: bytes,
			EvictedTotal:   e.buf.EvictedTotal(),
		}
	})
	return mu
}

// ValidateContinuity inspects the timeline and connection and reports
// human-readable issues with remediation hints.
func (e *Engine) ValidateContinuity() ContinuityReport {
	var rep ContinuityReport
	e.call(func() {
		rep.Score = e.tracker.ContinuityScore()
		for _, g := range e.tracker.ActiveGaps() {
			rep.Issues = append(rep.Issues, fmt.Sprintf(
				"%s gap of %dms between segments %s and %s",
				g.Severity, g.DurationMs, g.PrecedingSegmentID, g.FollowingSegmentID))
		}
		if e.tracker.HasSignificantGaps() {
			rep.Suggestions = append(rep.Suggestions,
				"transcript is missing audio ranges; re-request the gap ranges or mark the transcript incomplete")
		}
		if rep.Score < 0.8 && e.tracker.SpanCount() > 1 {
			rep.Issues = append(rep.Issues, fmt.Sprintf("continuity score %.2f is below 0.80", rep.Score))
		}

		cm := e.connMetrics()
		if e.sessionActive && e.conn != nil && cm.State != conn.StateConnected {
			rep.Issues = append(rep.Issues, fmt.Sprintf("session is active but the connection is %s", cm.State))
			rep.Suggestions = append(rep.Suggestions,
				"check upstream availability; the reconnect schedule may still be backing off")
		}
		if cm.Quality == conn.QualityPoor {
			rep.Suggestions = append(rep.Suggestions,
				"connection quality is poor; expect delayed or missing segments")
		}
		rep.Valid = len(rep.Issues) == 0
	})
	return rep
}

// Close disconnects the upstream and stops the task loop. Safe to call more
// than once.
func (e *Engine) Close() {
	e.once.Do(func() {
		if e.conn != nil {
			e.conn.Disconnect()
		}
		e.call(e.cancelDebounce)
		close(e.done)
		e.wg.Wait()
	})
}

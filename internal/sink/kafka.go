// Package sink hands finalized transcript segments to an external consumer.
// The engine itself never persists transcripts; archival is the downstream
// collaborator's job.
package sink

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/snarg/lt-engine/internal/metrics"
	"github.com/snarg/lt-engine/internal/segment"
)

// Config holds Kafka sink settings. With Enabled false (or no brokers) the
// sink runs in log-only mode.
type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// Publisher writes finalized segments to a Kafka topic, keyed by source so a
// consumer can partition per channel.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	log     zerolog.Logger
}

// New creates a publisher. A disabled config is valid and yields a log-only
// publisher, so callers never need to branch on configuration.
func New(cfg Config, log zerolog.Logger) *Publisher {
	log = log.With().Str("component", "sink").Logger()

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka sink disabled, finalized segments logged only")
		return &Publisher{enabled: false, log: log}
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}

	log.Info().Str("topic", cfg.Topic).Str("brokers", strings.Join(cfg.Brokers, ",")).Msg("kafka sink enabled")
	return &Publisher{writer: writer, topic: cfg.Topic, enabled: true, log: log}
}

// finalEvent is the wire shape handed to consumers.
type finalEvent struct {
	SegmentID    string  `json:"segment_id"`
	Text         string  `json:"text"`
	Source       string  `json:"source"`
	Confidence   float64 `json:"confidence,omitempty"`
	AudioStartMs int64   `json:"audio_start_ms"`
	AudioEndMs   int64   `json:"audio_end_ms"`
	FinalizedAt  string  `json:"finalized_at"`
}

// PublishFinal hands one finalized segment to the sink.
func (p *Publisher) PublishFinal(ctx context.Context, seg segment.Segment) error {
	if !p.enabled {
		p.log.Debug().Str("segment_id", seg.ID).Msg("finalized segment (sink disabled)")
		metrics.SinkPublishTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	ev := finalEvent{
		SegmentID:    seg.ID,
		Text:         seg.Text,
		Source:       seg.Source,
		AudioStartMs: seg.AudioStartMs,
		AudioEndMs:   seg.AudioEndMs,
		FinalizedAt:  seg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if seg.HasConfidence {
		ev.Confidence = seg.Confidence
	}
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.SinkPublishTotal.WithLabelValues("error").Inc()
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(seg.Source),
		Value: data,
	})
	if err != nil {
		metrics.SinkPublishTotal.WithLabelValues("error").Inc()
		p.log.Warn().Err(err).Str("segment_id", seg.ID).Msg("kafka publish failed")
		return err
	}
	metrics.SinkPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

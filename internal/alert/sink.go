// File: internal/alert/sink.go
package alert

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink consumes alert records. The core makes no assumption about a
// sink's persistence or delivery latency; a failing sink only costs a log
// line.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, a Alert) error {
	s.log.Info("ALERT",
		zap.String("symbol", a.Symbol),
		zap.String("rule", a.RuleID),
		zap.String("predicate", a.Predicate),
		zap.String("severity", string(a.Severity)),
		zap.String("message", a.Message))
	return nil
}

// CSVSink appends one row per alert into alerts_YYYYMMDD.csv under dir.
type CSVSink struct {
	dir string
	mu  sync.Mutex
}

func NewCSVSink(dir string) *CSVSink {
	if dir == "" {
		dir = "."
	}
	return &CSVSink{dir: dir}
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Deliver(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filename := filepath.Join(s.dir, fmt.Sprintf("alerts_%s.csv", a.Timestamp.Format("20060102")))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write([]string{
		a.Timestamp.Format(time.RFC3339),
		a.ID,
		a.RuleID,
		a.Symbol,
		a.Predicate,
		string(a.Severity),
		a.Title,
		a.Message,
	})
}

// KafkaSink publishes alerts as JSON messages on one topic.
type KafkaSink struct {
	writer *kafkago.Writer
}

func NewKafkaSink(broker, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(broker),
			Topic:    topic,
			Balancer: &kafkago.LeastBytes{},
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, a Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(a.Symbol),
		Value: b,
	})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/urgent-dispatch/internal/models"
)

// KafkaQueue publishes dispatch jobs to a topic consumed by the worker
// process. Keying by request id keeps all jobs for a request in order on
// one partition.
type KafkaQueue struct {
	writer *kafka.Writer
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaQueue{writer: w}
}

func (k *KafkaQueue) Enqueue(ctx context.Context, job models.DispatchJob) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.RequestID), Value: b})
}

func (k *KafkaQueue) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// GoQueue runs jobs on a goroutine in the same process, for local runs and
// tests where no broker is configured. Still asynchronous: Enqueue never
// blocks on the handler.
type GoQueue struct {
	Handler func(ctx context.Context, job models.DispatchJob)
	Logger  *slog.Logger
}

func (q *GoQueue) Enqueue(ctx context.Context, job models.DispatchJob) error {
	go func() {
		defer func() {
			if rec := recover(); rec != nil && q.Logger != nil {
				q.Logger.Error("dispatch job panicked", "request_id", job.RequestID, "error", rec)
			}
		}()
		// detach from the caller's context; the job outlives the request
		q.Handler(context.Background(), job)
	}()
	return nil
}

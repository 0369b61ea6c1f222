package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaNotifier publishes every advisory signal to a topic so out-of-process
// consumers (push delivery, badges) can react without a connection to this
// instance. Publish failures are logged and dropped, matching the advisory
// contract.
type KafkaNotifier struct {
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewKafkaNotifier(brokers []string, topic string, log *zap.SugaredLogger) *KafkaNotifier {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaNotifier{writer: w, log: log}
}

func (k *KafkaNotifier) Notify(n Notification) {
	value, err := json.Marshal(n)
	if err != nil {
		k.log.Errorw("failed to encode notification", "kind", n.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := kafka.Message{Key: []byte(n.UserID.String()), Value: value, Time: time.Now()}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.log.Warnw("failed to publish notification", "kind", n.Kind, "error", err)
	}
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

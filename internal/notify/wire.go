package notify

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"parley/config"
)

func ProvideChannelNotifier(log *zap.SugaredLogger) *ChannelNotifier {
	return NewChannelNotifier(log)
}

func ProvideNotifier(cfg *config.Config, channel *ChannelNotifier, log *zap.SugaredLogger) Notifier {
	if len(cfg.Kafka.Brokers) == 0 {
		return channel
	}
	return Fanout{channel, NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic, log)}
}

func ProvideEmailSender(cfg *config.Config) *EmailSender {
	return NewEmailSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
}

var Set = wire.NewSet(ProvideChannelNotifier, ProvideNotifier, ProvideEmailSender)

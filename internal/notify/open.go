package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/hospital-appointments/internal/config"
)

// Open builds the sink selected by NOTIFY_BACKEND. The returned func
// releases its connections.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (Sink, func(), error) {
	switch cfg.NotifyBackend {
	case config.NotifyBackendMongo:
		client, err := ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				log.Warn("error disconnecting mongo", zap.Error(err))
			}
		}

		sink, err := NewMongoSink(ctx, client.Database(cfg.MongoDatabase))
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		log.Info("notifications stored in mongo", zap.String("database", cfg.MongoDatabase))
		return sink, disconnect, nil

	case config.NotifyBackendAMQP:
		sink, err := NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		log.Info("notifications published to amqp", zap.String("exchange", cfg.AMQPExchange))
		return sink, func() {
			if err := sink.Close(); err != nil {
				log.Warn("error closing amqp", zap.Error(err))
			}
		}, nil

	default:
		return NewLogSink(log), func() {}, nil
	}
}

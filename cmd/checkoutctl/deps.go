package main

import (
	"context"
	"errors"
	"os"

	"github.com/IBM/sarama"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
	grpcsvc "github.com/vladislavdragonenkov/funnel/internal/service/grpc"
	"github.com/vladislavdragonenkov/funnel/internal/storage/postgres"
)

type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (postgres.MigrationState, error)
	Close() error
}

type replayRunner interface {
	Run(ctx context.Context, opts kafka.ReplayOptions) (kafka.ReplayReport, error)
}

type sessionAdmin interface {
	GetSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error)
	ReconcileSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error)
	ExpireSession(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error)
}

// dependencies — фабрики внешних подключений; nil-поля заменяются реальными.
type dependencies struct {
	openMigrator func(ctx context.Context, dsn string) (migrator, error)
	newReplayer  func(brokers []string, execute bool) (replayRunner, func() error, error)
	dialAdmin    func(addr string) (sessionAdmin, func() error, error)
	lookupEnv    func(key string) (string, bool)
}

func (d dependencies) withDefaults() dependencies {
	if d.openMigrator == nil {
		d.openMigrator = openPostgres
	}
	if d.newReplayer == nil {
		d.newReplayer = newKafkaReplayer
	}
	if d.dialAdmin == nil {
		d.dialAdmin = dialAdminAPI
	}
	if d.lookupEnv == nil {
		d.lookupEnv = os.LookupEnv
	}
	return d
}

func openPostgres(ctx context.Context, dsn string) (migrator, error) {
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newKafkaReplayer собирает Replayer на sarama. Producer создаётся только
// для --execute: dry-run ничего не пишет.
func newKafkaReplayer(brokers []string, execute bool) (replayRunner, func() error, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, config)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	var producer sarama.SyncProducer
	if execute {
		producer, err = sarama.NewSyncProducer(brokers, kafka.NewProducerConfig())
		if err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, nil, err
		}
	}

	closeFn := func() error {
		var errs []error
		if producer != nil {
			errs = append(errs, producer.Close())
		}
		errs = append(errs, consumer.Close(), client.Close())
		return errors.Join(errs...)
	}
	return kafka.NewReplayer(client, kafka.SaramaPartitionOpener{Consumer: consumer}, producer), closeFn, nil
}

func dialAdminAPI(addr string) (sessionAdmin, func() error, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return grpcsvc.NewAdminClient(conn), conn.Close, nil
}

package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/mirkobrombin/go-shardlock/v1/syncbus"
)

const seenRetention = time.Minute

// KafkaBus implements syncbus.Bus using one single-partition Kafka topic per
// key. Subscribers start at the newest offset, so only events published after
// Subscribe returns are observed.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	admin    sarama.ClusterAdmin
	// client is set when the bus dialed the brokers itself and owns the
	// connection.
	client sarama.Client

	fan       *syncbus.Fanout[sarama.PartitionConsumer]
	published atomic.Uint64
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewKafkaBus dials brokers and builds a bus that owns the resulting clients.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	var closers []func() error
	fail := func(err error) (*KafkaBus, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = client.Close()
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, producer.Close)
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, consumer.Close)
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		return fail(err)
	}
	b := NewKafkaBusFromClients(producer, consumer, admin)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients builds a bus over existing sarama clients. admin may
// be nil, in which case EnsureTopic is a no-op and topics must exist or be
// auto-created by the brokers.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, admin sarama.ClusterAdmin) *KafkaBus {
	seen := syncbus.NewSeen(seenRetention)
	b := &KafkaBus{
		producer: producer,
		consumer: consumer,
		admin:    admin,
		fan:      syncbus.NewFanout[sarama.PartitionConsumer](seen),
		stop:     make(chan struct{}),
	}
	go seen.Run(b.stop)
	return b
}

// EnsureTopic creates the topic backing key when it does not exist yet.
func (b *KafkaBus) EnsureTopic(ctx context.Context, key string) error {
	if b.admin == nil {
		return nil
	}
	err := b.admin.CreateTopic(key, &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		return nil
	}
	return err
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string, opts ...syncbus.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload := syncbus.NewEnvelope(syncbus.ApplyPublishOptions(opts...)).Marshal()
	if _, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     key,
		Partition: 0,
		Value:     sarama.ByteEncoder(payload),
	}); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber of a key starts a
// partition consumer at the newest offset.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan syncbus.Event, error) {
	ch, err := b.fan.Join(key, func() (sarama.PartitionConsumer, error) {
		pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		go func() {
			for msg := range pc.Messages() {
				b.fan.Deliver(key, msg.Value)
			}
		}()
		return pc, nil
	})
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-b.stop:
		}
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan syncbus.Event) error {
	if pc, last := b.fan.Leave(key, ch); last {
		return pc.Close()
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{Published: b.published.Load(), Delivered: b.fan.Delivered()}
}

// Close releases the partition consumers and the sarama clients.
func (b *KafkaBus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	var errs []error
	for _, pc := range b.fan.Close() {
		errs = append(errs, pc.Close())
	}
	if b.admin != nil && b.client == nil {
		errs = append(errs, b.admin.Close())
	}
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}

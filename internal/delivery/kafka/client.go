package kafka

import (
	"github.com/azizikri/coupon-issuance/internal/config"
	"github.com/twmb/franz-go/pkg/kgo"
)

func NewProducerClient(cfg *config.Config) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers()...),
		kgo.ClientID(cfg.KafkaClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
}

func NewConsumerClient(cfg *config.Config, topics ...string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers()...),
		kgo.ClientID(cfg.KafkaClientID+"-consumer"),
		kgo.ConsumerGroup(cfg.KafkaGroupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
}

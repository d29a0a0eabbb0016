package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/azizikri/coupon-issuance/internal/config"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type topicCreator interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

func EnsureTopics(ctx context.Context, client *kgo.Client, cfg *config.Config, log logger.Logger) error {
	return ensureTopics(ctx, kadm.NewClient(client), cfg, log)
}

func ensureTopics(ctx context.Context, adm topicCreator, cfg *config.Config, log logger.Logger) error {
	topics := map[string]int{
		TopicClaimIssued:                  cfg.KafkaTopicPartitions,
		TopicClaimIssued + TopicDLQSuffix: cfg.KafkaDLQPartitions,
	}
	replicationFactor := int16(cfg.KafkaReplicationFactor)

	for topic, partitions := range topics {
		resp, err := adm.CreateTopics(ctx, int32(partitions), replicationFactor, nil, topic)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", topic, err)
		}
		for _, detail := range resp {
			if detail.Err != nil && !errors.Is(detail.Err, kerr.TopicAlreadyExists) {
				return fmt.Errorf("failed to create topic %s: %w", detail.Topic, detail.Err)
			}
		}
	}

	log.Info("kafka topics ensured", "count", len(topics))
	return nil
}

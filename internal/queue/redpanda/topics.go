package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/queue"
)

// TopicConfig holds configuration for a lane topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// LaneTopics returns the topic set for the configured lanes: one topic per
// lane plus the dead letter topic.
func LaneTopics(cfg Config) []TopicConfig {
	ptr := func(s string) *string { return &s }

	return []TopicConfig{
		{
			Name:              cfg.LedgerTopic,
			Partitions:        cfg.Partitions,
			ReplicationFactor: cfg.ReplicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              cfg.UploadTopic,
			Partitions:        cfg.Partitions,
			ReplicationFactor: cfg.ReplicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("86400000"), // 1 day
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              cfg.DeadLetterTopic,
			Partitions:        1,
			ReplicationFactor: cfg.ReplicationFactor,
			Configs: map[string]*string{
				"retention.ms":   ptr("2592000000"), // 30 days
				"cleanup.policy": ptr("delete"),
			},
		},
	}
}

// Admin declares lanes and reports consumer lag
type Admin struct {
	client *kadm.Client
	config Config
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(cfg Config, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		config: cfg,
		logger: logger,
	}, nil
}

// EnsureLanes creates the lane and dead letter topics if they are missing.
func (a *Admin) EnsureLanes(ctx context.Context) error {
	for _, cfg := range LaneTopics(a.config) {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Info("lane topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("lane topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// Lag returns the total consumer lag of each lane's consumer group.
func (a *Admin) Lag(ctx context.Context) (map[queue.Lane]int64, error) {
	groups := make(map[string]queue.Lane, len(queue.Lanes))
	names := make([]string, 0, len(queue.Lanes))
	for _, lane := range queue.Lanes {
		g := a.config.groupFor(lane)
		groups[g] = lane
		names = append(names, g)
	}

	described, err := a.client.Lag(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[queue.Lane]int64, len(groups))
	described.Each(func(l kadm.DescribedGroupLag) {
		lane, ok := groups[l.Group]
		if !ok {
			return
		}
		for _, partitions := range l.Lag {
			for _, lag := range partitions {
				result[lane] += lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}

// Package kafka backs a messaging system with Kafka via franz-go. Consuming
// is partition-pinned: the container's partitions are assigned at start, so
// there is no consumer group and no rebalancing.
package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
)

// FactoryName is the value systems.<name>.samza.factory resolves against.
const FactoryName = "kafka"

// Property keys under systems.<name>. recognised by this plugin.
const (
	propBootstrapServers = "consumer.bootstrap.servers"
	propPollTimeoutMS    = "consumer.poll.timeout.ms"
	propFetchMaxBytes    = "consumer.fetch.max.bytes"
)

type settings struct {
	brokers       []string
	pollTimeout   time.Duration
	fetchMaxBytes int32
}

func parseSettings(systemName string, properties map[string]string) (settings, error) {
	raw, ok := properties[propBootstrapServers]
	if !ok || raw == "" {
		return settings{}, fmt.Errorf(
			"kafka: system %q: missing required key systems.%s.%s", systemName, systemName, propBootstrapServers,
		)
	}
	s := settings{
		brokers:     strings.Split(raw, ","),
		pollTimeout: 3 * time.Second,
	}
	if v, ok := properties[propPollTimeoutMS]; ok {
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err != nil {
			return settings{}, fmt.Errorf("kafka: system %q: %s: %w", systemName, propPollTimeoutMS, err)
		}
		s.pollTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := properties[propFetchMaxBytes]; ok {
		var n int32
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return settings{}, fmt.Errorf("kafka: system %q: %s: %w", systemName, propFetchMaxBytes, err)
		}
		s.fetchMaxBytes = n
	}
	return s, nil
}

var _ system.Factory = Factory{}

type Factory struct{}

func (Factory) Consumer(name string, properties map[string]string, l logger.Logger) (system.Consumer, error) {
	s, err := parseSettings(name, properties)
	if err != nil {
		return nil, err
	}
	return newConsumer(name, s, l), nil
}

func (Factory) Producer(name string, properties map[string]string, l logger.Logger) (system.Producer, error) {
	s, err := parseSettings(name, properties)
	if err != nil {
		return nil, err
	}
	return newProducer(name, s, l)
}

func (Factory) Admin(name string, properties map[string]string, l logger.Logger) (system.Admin, error) {
	s, err := parseSettings(name, properties)
	if err != nil {
		return nil, err
	}
	return newAdmin(name, s, l)
}

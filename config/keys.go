package config

import (
	"fmt"
	"time"
)

// Key layout recognised by the container. All views are cheap wrappers; they
// hold no state beyond the underlying Config.

const (
	keyTaskClass           = "task.class"
	keyTaskInputs          = "task.inputs"
	keyTaskWindowMS        = "task.window.ms"
	keyTaskCommitMS        = "task.commit.ms"
	keyTaskCheckpoint      = "task.checkpoint.factory"
	keyTaskChooser         = "task.message.chooser.class"
	keyTaskDropDeserErrors = "task.drop.deserialization.errors"

	keyDiagnosticsPort   = "container.diagnostics.port"
	keyPollIntervalMS    = "task.poll.interval.ms"
	keyConsumerQueueSize = "task.consumer.queue.size"
	keyConsumerBatchSize = "task.consumer.batch.size"

	DefaultCommitInterval  = 60 * time.Second
	DefaultPollInterval    = 10 * time.Millisecond
	DefaultQueueSize       = 1000
	DefaultBatchSize       = 100
	DefaultDiagnosticsPort = 9761
	DefaultChooser         = "round-robin"
)

type TaskConfig struct {
	c *Config
}

func (c *Config) Task() TaskConfig {
	return TaskConfig{c: c}
}

func (t TaskConfig) Class() (string, error) {
	return t.c.Require(keyTaskClass)
}

// Inputs returns the raw "system.stream" identifiers; parsing into stream
// descriptors happens at the system boundary.
func (t TaskConfig) Inputs() ([]string, error) {
	if _, err := t.c.Require(keyTaskInputs); err != nil {
		return nil, err
	}
	inputs := t.c.GetList(keyTaskInputs)
	if len(inputs) == 0 {
		return nil, &MissingKeyError{Key: keyTaskInputs}
	}
	return inputs, nil
}

// WindowInterval returns a negative duration when windowing is disabled.
func (t TaskConfig) WindowInterval() (time.Duration, error) {
	return t.c.GetDurationMS(keyTaskWindowMS, -time.Millisecond)
}

func (t TaskConfig) CommitInterval() (time.Duration, error) {
	return t.c.GetDurationMS(keyTaskCommitMS, DefaultCommitInterval)
}

// CheckpointFactory returns ok=false when checkpointing is disabled.
func (t TaskConfig) CheckpointFactory() (string, bool) {
	return t.c.Get(keyTaskCheckpoint)
}

func (t TaskConfig) ChooserClass() string {
	return t.c.GetOrDefault(keyTaskChooser, DefaultChooser)
}

func (t TaskConfig) DropDeserializationErrors() (bool, error) {
	return t.c.GetBool(keyTaskDropDeserErrors, false)
}

func (t TaskConfig) ListenerNames() []string {
	return t.c.GetList("task.lifecycle.listeners")
}

func (t TaskConfig) ListenerClass(name string) (string, error) {
	return t.c.Require("task.lifecycle.listener." + name + ".class")
}

type SystemConfig struct {
	c    *Config
	name string
}

func (c *Config) System(name string) SystemConfig {
	return SystemConfig{c: c, name: name}
}

func (s SystemConfig) Name() string {
	return s.name
}

func (s SystemConfig) Factory() (string, error) {
	return s.c.Require(fmt.Sprintf("systems.%s.samza.factory", s.name))
}

func (s SystemConfig) KeySerde() (string, bool) {
	return s.c.Get(fmt.Sprintf("systems.%s.samza.key.serde", s.name))
}

func (s SystemConfig) MsgSerde() (string, bool) {
	return s.c.Get(fmt.Sprintf("systems.%s.samza.msg.serde", s.name))
}

// Properties exposes everything under systems.<name>. to the system factory.
func (s SystemConfig) Properties() map[string]string {
	return s.c.Subset(fmt.Sprintf("systems.%s.", s.name))
}

type StreamConfig struct {
	c      *Config
	system string
	stream string
}

func (c *Config) Stream(system, stream string) StreamConfig {
	return StreamConfig{c: c, system: system, stream: stream}
}

func (s StreamConfig) key(suffix string) string {
	return fmt.Sprintf("streams.%s.%s.samza.%s", s.system, s.stream, suffix)
}

func (s StreamConfig) KeySerde() (string, bool) {
	return s.c.Get(s.key("key.serde"))
}

func (s StreamConfig) MsgSerde() (string, bool) {
	return s.c.Get(s.key("msg.serde"))
}

// ResetOffset reports whether checkpointed offsets for this stream are
// ignored on every container start.
func (s StreamConfig) ResetOffset() (bool, error) {
	return s.c.GetBool(s.key("reset.offset"), false)
}

// OffsetDefault is the position used when no checkpoint applies:
// "earliest" (the default) or "latest".
func (s StreamConfig) OffsetDefault() string {
	return s.c.GetOrDefault(s.key("offset.default"), "earliest")
}

type StorageConfig struct {
	c    *Config
	name string
}

func (c *Config) Store(name string) StorageConfig {
	return StorageConfig{c: c, name: name}
}

func (c *Config) StoreNames() []string {
	return c.SubsetNames("stores.")
}

func (s StorageConfig) Name() string {
	return s.name
}

func (s StorageConfig) Factory() (string, error) {
	return s.c.Require("stores." + s.name + ".factory")
}

// Changelog returns the backing "system.stream" identifier, ok=false when the
// store is not replicated.
func (s StorageConfig) Changelog() (string, bool) {
	return s.c.Get("stores." + s.name + ".changelog")
}

func (s StorageConfig) KeySerde() (string, error) {
	return s.c.Require("stores." + s.name + ".key.serde")
}

func (s StorageConfig) MsgSerde() (string, error) {
	return s.c.Require("stores." + s.name + ".msg.serde")
}

func (s StorageConfig) Path() (string, bool) {
	return s.c.Get("stores." + s.name + ".path")
}

type MetricsConfig struct {
	c *Config
}

func (c *Config) Metrics() MetricsConfig {
	return MetricsConfig{c: c}
}

func (m MetricsConfig) ReporterNames() []string {
	return m.c.GetList("metrics.reporters")
}

func (m MetricsConfig) ReporterClass(name string) (string, error) {
	return m.c.Require("metrics.reporter." + name + ".class")
}

// SerializerNames lists the declared codec bindings under
// serializers.registry.<name>.class.
func (c *Config) SerializerNames() []string {
	return c.SubsetNames("serializers.registry.")
}

func (c *Config) SerializerClass(name string) (string, error) {
	return c.Require("serializers.registry." + name + ".class")
}

func (c *Config) SystemNames() []string {
	return c.SubsetNames("systems.")
}

func (c *Config) DiagnosticsPort() (int, error) {
	return c.GetInt(keyDiagnosticsPort, DefaultDiagnosticsPort)
}

func (c *Config) PollInterval() (time.Duration, error) {
	return c.GetDurationMS(keyPollIntervalMS, DefaultPollInterval)
}

func (c *Config) ConsumerQueueSize() (int, error) {
	return c.GetInt(keyConsumerQueueSize, DefaultQueueSize)
}

func (c *Config) ConsumerBatchSize() (int, error) {
	return c.GetInt(keyConsumerBatchSize, DefaultBatchSize)
}

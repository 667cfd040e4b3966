package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hugolhafner/streamhost/container"
	"github.com/hugolhafner/streamhost/plugins/promreporter"
	"github.com/hugolhafner/streamhost/plugins/zaplogger"
	"github.com/hugolhafner/streamhost/system"
	"github.com/hugolhafner/streamhost/system/inmemory"
	"github.com/hugolhafner/streamhost/task"
	"go.uber.org/zap"
)

// identityTask echoes every envelope to the configured output stream.
// Registered as "identity" so the bare launcher can run smoke jobs.
type identityTask struct {
	output system.Stream
}

func (t *identityTask) Process(env system.IncomingEnvelope, collector *task.Collector, _ *task.Coordinator) error {
	collector.Send(system.OutgoingEnvelope{
		Stream:    t.output,
		Partition: system.AnyPartition,
		Key:       env.Key,
		Value:     env.Value,
	})
	return nil
}

func run() error {
	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	l := zaplogger.New(zl)

	env, err := container.ParseEnv(os.Getenv)
	if err != nil {
		return err
	}

	regs := container.DefaultRegistries()
	regs.Systems.Register(inmemory.FactoryName, inmemory.NewSystem())
	regs.Reporters.Register(promreporter.FactoryName, promreporter.Factory)
	regs.Tasks.Register("identity", func() task.Task {
		output := env.Config.GetOrDefault("task.identity.output", "")
		stream, err := system.ParseStream(output)
		if err != nil {
			// surfaced on the first send via the missing producer
			l.Error("Invalid task.identity.output", "value", output, "error", err)
		}
		return &identityTask{output: stream}
	})

	c, err := container.New(env.TaskName, env.Config, env.Partitions, container.Options{
		Registries: regs,
		Logger:     l,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.Run(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

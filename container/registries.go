package container

import (
	"github.com/hugolhafner/streamhost/checkpoint"
	checkpointfile "github.com/hugolhafner/streamhost/checkpoint/file"
	"github.com/hugolhafner/streamhost/chooser"
	"github.com/hugolhafner/streamhost/metrics"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/storage"
	storagememory "github.com/hugolhafner/streamhost/storage/memory"
	"github.com/hugolhafner/streamhost/system"
	systemkafka "github.com/hugolhafner/streamhost/system/kafka"
	"github.com/hugolhafner/streamhost/task"
)

// Registries bundles every plugin table the container resolves names
// against. User binaries register their tasks, listeners and extra plugins
// before handing the bundle to New.
type Registries struct {
	Systems     *system.Registry
	Serdes      *serde.Registry
	Storage     *storage.Registry
	Checkpoints *checkpoint.Registry
	Choosers    *chooser.Registry
	Tasks       *task.Registry
	Listeners   *task.ListenerRegistry
	Reporters   *metrics.ReporterRegistry
}

// DefaultRegistries preloads the shipped plugins: the kafka system, the
// builtin codecs, the memory storage engine, the file checkpoint backend and
// the round-robin chooser.
func DefaultRegistries() Registries {
	systems := system.NewRegistry()
	systems.Register(systemkafka.FactoryName, systemkafka.Factory{})

	engines := storage.NewRegistry()
	engines.Register(storagememory.FactoryName, storagememory.Factory)

	checkpoints := checkpoint.NewRegistry()
	checkpoints.Register(checkpointfile.FactoryName, checkpointfile.Factory)

	return Registries{
		Systems:     systems,
		Serdes:      serde.Builtins(),
		Storage:     engines,
		Checkpoints: checkpoints,
		Choosers:    chooser.Builtins(),
		Tasks:       task.NewRegistry(),
		Listeners:   task.NewListenerRegistry(),
		Reporters:   metrics.NewReporterRegistry(),
	}
}

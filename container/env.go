package container

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hugolhafner/streamhost/config"
	"github.com/hugolhafner/streamhost/system"
)

// Environment variables the launcher sets on the container subprocess.
const (
	EnvTaskName     = "TASK_NAME"
	EnvConfig       = "CONFIG"
	EnvPartitionIDs = "PARTITION_IDS"
)

// Env is the parsed process environment.
type Env struct {
	TaskName   string
	Config     *config.Config
	Partitions []system.Partition
}

// ParseEnv reads the three launcher-provided inputs. Every failure here is a
// setup fatal; the message names the offending variable.
func ParseEnv(getenv func(string) string) (Env, error) {
	name := getenv(EnvTaskName)
	if name == "" {
		return Env{}, fmt.Errorf("container: %s is empty", EnvTaskName)
	}

	rawConfig := getenv(EnvConfig)
	if rawConfig == "" {
		return Env{}, fmt.Errorf("container: %s is empty", EnvConfig)
	}
	values := make(map[string]string)
	if err := json.Unmarshal([]byte(rawConfig), &values); err != nil {
		return Env{}, fmt.Errorf("container: %s is not a JSON object: %w", EnvConfig, err)
	}

	rawPartitions := getenv(EnvPartitionIDs)
	if strings.TrimSpace(rawPartitions) == "" {
		return Env{}, fmt.Errorf("container: %s is empty", EnvPartitionIDs)
	}
	var partitions []system.Partition
	for _, part := range strings.Split(rawPartitions, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return Env{}, fmt.Errorf("container: %s entry %q: %w", EnvPartitionIDs, part, err)
		}
		partitions = append(partitions, system.Partition(n))
	}
	if len(partitions) == 0 {
		return Env{}, fmt.Errorf("container: %s holds no partitions", EnvPartitionIDs)
	}

	return Env{
		TaskName:   name,
		Config:     config.New(values),
		Partitions: partitions,
	}, nil
}

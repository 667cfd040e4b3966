package system

import (
	"fmt"
	"strconv"
	"strings"
)

// Partition identifies one shard of a stream.
type Partition int

// Stream names a logical stream within a named messaging system.
type Stream struct {
	System string
	Name   string
}

func (s Stream) String() string {
	return s.System + "." + s.Name
}

// ParseStream splits a "system.stream" identifier. The stream part may itself
// contain dots; only the first one separates.
func ParseStream(id string) (Stream, error) {
	sys, name, ok := strings.Cut(id, ".")
	if !ok || sys == "" || name == "" {
		return Stream{}, fmt.Errorf("system: malformed stream identifier %q, want system.stream", id)
	}
	return Stream{System: sys, Name: name}, nil
}

// StreamPartition is the unit of ordering and checkpointing.
type StreamPartition struct {
	Stream
	Partition Partition
}

func (sp StreamPartition) String() string {
	return sp.Stream.String() + "-" + strconv.Itoa(int(sp.Partition))
}

package serde

import (
	"github.com/hugolhafner/streamhost/config"
)

// Resolver looks codec names up first among the bindings declared under
// serializers.registry.<name>.class, then among the registry's canonical
// names.
type Resolver struct {
	named map[string]Serde
	reg   *Registry
}

func NewResolver(cfg *config.Config, reg *Registry) (*Resolver, error) {
	named := make(map[string]Serde)
	for _, name := range cfg.SerializerNames() {
		class, err := cfg.SerializerClass(name)
		if err != nil {
			return nil, err
		}
		s, err := reg.Build(class, cfg.Subset("serializers.registry."+name+"."))
		if err != nil {
			return nil, err
		}
		named[name] = s
	}
	return &Resolver{named: named, reg: reg}, nil
}

func (r *Resolver) Resolve(name string) (Serde, error) {
	if s, ok := r.named[name]; ok {
		return s, nil
	}
	return r.reg.Build(name, nil)
}

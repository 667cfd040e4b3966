package serde

import (
	"fmt"
	"strings"

	"github.com/hugolhafner/streamhost/config"
	"github.com/hugolhafner/streamhost/system"
)

// Manager applies codecs on the envelope boundary: inbound envelopes are
// decoded with the most specific binding for their stream, outbound envelopes
// encoded symmetrically. Stream-level bindings override system-level ones;
// a stream with neither passes bytes through untouched.
//
// Changelog streams are special-cased: the storage layer encodes with the
// store's configured codecs before the producer boundary, so outbound
// changelog envelopes already carry bytes and are passed through regardless
// of any stream binding.
type Manager struct {
	keyByStream map[system.Stream]Serde
	msgByStream map[system.Stream]Serde
	keyBySystem map[string]Serde
	msgBySystem map[string]Serde
	changelogs  map[system.Stream]struct{}
}

// NewManager resolves every serde binding declared in the configuration.
// Unknown codec names are fatal here, before any message flows.
func NewManager(cfg *config.Config, reg *Registry) (*Manager, error) {
	m := &Manager{
		keyByStream: make(map[system.Stream]Serde),
		msgByStream: make(map[system.Stream]Serde),
		keyBySystem: make(map[string]Serde),
		msgBySystem: make(map[string]Serde),
		changelogs:  make(map[system.Stream]struct{}),
	}

	resolver, err := NewResolver(cfg, reg)
	if err != nil {
		return nil, err
	}
	resolve := resolver.Resolve

	for _, sysName := range cfg.SystemNames() {
		sc := cfg.System(sysName)
		if name, ok := sc.KeySerde(); ok {
			s, err := resolve(name)
			if err != nil {
				return nil, err
			}
			m.keyBySystem[sysName] = s
		}
		if name, ok := sc.MsgSerde(); ok {
			s, err := resolve(name)
			if err != nil {
				return nil, err
			}
			m.msgBySystem[sysName] = s
		}
	}

	for key, serdeName := range cfg.Subset("streams.") {
		var isKey bool
		var id string
		switch {
		case strings.HasSuffix(key, ".samza.key.serde"):
			isKey = true
			id = strings.TrimSuffix(key, ".samza.key.serde")
		case strings.HasSuffix(key, ".samza.msg.serde"):
			id = strings.TrimSuffix(key, ".samza.msg.serde")
		default:
			continue
		}
		stream, err := system.ParseStream(id)
		if err != nil {
			return nil, fmt.Errorf("serde: stream binding %q: %w", key, err)
		}
		s, err := resolve(serdeName)
		if err != nil {
			return nil, err
		}
		if isKey {
			m.keyByStream[stream] = s
		} else {
			m.msgByStream[stream] = s
		}
	}

	return m, nil
}

// RegisterChangelog marks a stream as a store changelog; its outbound
// envelopes skip stream bindings.
func (m *Manager) RegisterChangelog(stream system.Stream) {
	m.changelogs[stream] = struct{}{}
}

func (m *Manager) keyFor(stream system.Stream) Serde {
	if s, ok := m.keyByStream[stream]; ok {
		return s
	}
	if s, ok := m.keyBySystem[stream.System]; ok {
		return s
	}
	return Bytes()
}

func (m *Manager) msgFor(stream system.Stream) Serde {
	if s, ok := m.msgByStream[stream]; ok {
		return s
	}
	if s, ok := m.msgBySystem[stream.System]; ok {
		return s
	}
	return Bytes()
}

// DecodeIncoming replaces the raw key and value bytes with decoded domain
// objects. Failures come back as DecodeError.
func (m *Manager) DecodeIncoming(env system.IncomingEnvelope) (system.IncomingEnvelope, error) {
	stream := env.StreamPartition.Stream

	rawKey, err := rawBytes(env.Key)
	if err != nil {
		return env, NewDecodeError(err)
	}
	key, err := m.keyFor(stream).Decode(rawKey)
	if err != nil {
		return env, NewDecodeError(err)
	}

	rawVal, err := rawBytes(env.Value)
	if err != nil {
		return env, NewDecodeError(err)
	}
	val, err := m.msgFor(stream).Decode(rawVal)
	if err != nil {
		return env, NewDecodeError(err)
	}

	env.Key = key
	env.Value = val
	return env, nil
}

// EncodeOutgoing replaces domain objects with encoded bytes. Changelog
// streams pass through.
func (m *Manager) EncodeOutgoing(env system.OutgoingEnvelope) (system.OutgoingEnvelope, error) {
	if _, ok := m.changelogs[env.Stream]; ok {
		if _, err := rawBytes(env.Key); err != nil {
			return env, NewEncodeError(fmt.Errorf("changelog %s key: %w", env.Stream, err))
		}
		if _, err := rawBytes(env.Value); err != nil {
			return env, NewEncodeError(fmt.Errorf("changelog %s value: %w", env.Stream, err))
		}
		return env, nil
	}

	key, err := m.keyFor(env.Stream).Encode(env.Key)
	if err != nil {
		return env, NewEncodeError(err)
	}
	val, err := m.msgFor(env.Stream).Encode(env.Value)
	if err != nil {
		return env, NewEncodeError(err)
	}

	env.Key = key
	env.Value = val
	return env, nil
}

func rawBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	default:
		return nil, fmt.Errorf("expected []byte on the wire boundary, got %T", v)
	}
}

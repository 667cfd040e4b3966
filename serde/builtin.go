package serde

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

type stringSerde struct{}

func String() Serde {
	return stringSerde{}
}

func (stringSerde) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("string serde: expected string, got %T", v)
	}
	return []byte(s), nil
}

func (stringSerde) Decode(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	return string(data), nil
}

type bytesSerde struct{}

func Bytes() Serde {
	return bytesSerde{}
}

func (bytesSerde) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("bytes serde: expected []byte, got %T", v)
	}
	return b, nil
}

func (bytesSerde) Decode(data []byte) (any, error) {
	return data, nil
}

type jsonSerde struct{}

// JSON round-trips through encoding/json; decoded values are the generic
// map/slice/float representation.
func JSON() Serde {
	return jsonSerde{}
}

func (jsonSerde) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (jsonSerde) Decode(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type int64Serde struct{}

// Int64 encodes big-endian fixed-width integers, the layout changelog
// sequence keys use.
func Int64() Serde {
	return int64Serde{}
}

func (int64Serde) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	n, ok := v.(int64)
	if !ok {
		return nil, fmt.Errorf("int64 serde: expected int64, got %T", v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf, nil
}

func (int64Serde) Decode(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("int64 serde: expected 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

type protobufSerde struct {
	prototype proto.Message
}

// Protobuf builds a codec around the given message type. Decode returns a
// fresh message of that type.
func Protobuf(prototype proto.Message) Serde {
	return protobufSerde{prototype: prototype}
}

func (s protobufSerde) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf serde: expected proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (s protobufSerde) Decode(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	msg := s.prototype.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

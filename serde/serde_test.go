package serde_test

import (
	"testing"

	"github.com/hugolhafner/streamhost/serde"
	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	s := serde.String()

	data, err := s.Encode("hello")
	require.NoError(t, err)

	v, err := s.Decode(data)
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestStringRejectsWrongType(t *testing.T) {
	_, err := serde.String().Encode(42)
	require.Error(t, err)
}

func TestInt64RoundTrip(t *testing.T) {
	s := serde.Int64()

	data, err := s.Encode(int64(-17))
	require.NoError(t, err)
	require.Len(t, data, 8)

	v, err := s.Decode(data)
	require.NoError(t, err)
	require.Equal(t, int64(-17), v)
}

func TestInt64RejectsShortInput(t *testing.T) {
	_, err := serde.Int64().Decode([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	s := serde.JSON()

	data, err := s.Encode(map[string]any{"a": "b"})
	require.NoError(t, err)

	v, err := s.Decode(data)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": "b"}, v)
}

func TestNilPassesThrough(t *testing.T) {
	for _, s := range []serde.Serde{serde.String(), serde.Bytes(), serde.JSON(), serde.Int64()} {
		data, err := s.Encode(nil)
		require.NoError(t, err)
		require.Nil(t, data)

		v, err := s.Decode(nil)
		require.NoError(t, err)
		require.Nil(t, v)
	}
}

func TestRegistryUnknownCodecIsFatal(t *testing.T) {
	reg := serde.Builtins()

	_, err := reg.Build("no-such-codec", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no-such-codec")
}

func TestRegistryBuildsBuiltins(t *testing.T) {
	reg := serde.Builtins()

	for _, name := range []string{"string", "bytes", "json", "int64"} {
		s, err := reg.Build(name, nil)
		require.NoError(t, err)
		require.NotNil(t, s)
	}
}

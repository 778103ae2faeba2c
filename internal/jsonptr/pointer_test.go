package jsonptr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestStringTargetsScalarString(t *testing.T) {
	v := decode(t, `{"a":"3"}`)
	got, ok := StringTargets(v, "/a")
	require.True(t, ok)
	require.Equal(t, []string{"3"}, got)
}

func TestStringTargetsArrayDedupesFirstWins(t *testing.T) {
	v := decode(t, `{"a":["1","2","1"]}`)
	got, ok := StringTargets(v, "/a")
	require.True(t, ok)
	require.Equal(t, []string{"1", "2"}, got)
}

func TestStringTargetsEmptyArrayYieldsNothing(t *testing.T) {
	v := decode(t, `{"a":[]}`)
	_, ok := StringTargets(v, "/a")
	require.False(t, ok)
}

func TestStringTargetsMissingTargetSkipped(t *testing.T) {
	v := decode(t, `{"b":1}`)
	_, ok := StringTargets(v, "/a")
	require.False(t, ok)
}

func TestStringTargetsNonStringNonArraySkipped(t *testing.T) {
	v := decode(t, `{"a":42}`)
	_, ok := StringTargets(v, "/a")
	require.False(t, ok)
}

func TestValidateRejectsSyntacticallyInvalidPointer(t *testing.T) {
	err := Validate("no-leading-slash")
	require.ErrorIs(t, err, ErrInvalidPointer)
}

func TestValidateAcceptsEmptyPointer(t *testing.T) {
	require.NoError(t, Validate(""))
}

package indexing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvsync/kvsync/internal/commitgraph"
)

// TestBuildArrayAndScalarTargets mixes array, scalar, and empty-array
// pointer targets across several rows sharing one index.
func TestBuildArrayAndScalarTargets(t *testing.T) {
	rows := map[string]json.RawMessage{
		"a/0": json.RawMessage(`{"a":[]}`),
		"a/1": json.RawMessage(`{"a":["0"]}`),
		"a/2": json.RawMessage(`{"a":["1","2"]}`),
		"a/3": json.RawMessage(`{"a":"3"}`),
		"a/4": json.RawMessage(`{"a":["4"]}`),
	}

	entries, err := Build(rows, "a", "/a")
	require.NoError(t, err)
	require.Equal(t, []commitgraph.IndexEntry{
		{Secondary: "0", Primary: "a/1"},
		{Secondary: "1", Primary: "a/2"},
		{Secondary: "2", Primary: "a/2"},
		{Secondary: "3", Primary: "a/3"},
		{Secondary: "4", Primary: "a/4"},
	}, entries)
}

func TestBuildRespectsKeyPrefix(t *testing.T) {
	rows := map[string]json.RawMessage{
		"a/0": json.RawMessage(`{"tag":"x"}`),
		"b/0": json.RawMessage(`{"tag":"y"}`),
	}
	entries, err := Build(rows, "a/", "/tag")
	require.NoError(t, err)
	require.Equal(t, []commitgraph.IndexEntry{{Secondary: "x", Primary: "a/0"}}, entries)
}

func TestBuildInvalidPointerSyntaxErrors(t *testing.T) {
	_, err := Build(map[string]json.RawMessage{}, "", "bad-pointer")
	require.Error(t, err)
}

func TestEntriesForRowSkipsNonMatchingTarget(t *testing.T) {
	entries := EntriesForRow("a/0", json.RawMessage(`{"a":42}`), "/a")
	require.Nil(t, entries)
}

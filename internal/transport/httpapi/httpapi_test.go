package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/kvstore"
	"github.com/kvsync/kvsync/internal/wire"
)

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.Open(backend.NewMemory("test"))
	require.NoError(t, err)
	store.Register("put", func(tx *kvstore.WriteTx, args json.RawMessage) error {
		var a struct {
			Key   string
			Value json.RawMessage
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		return tx.Put(a.Key, a.Value)
	})
	return store
}

func doRequest(t *testing.T, srv *httptest.Server, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthzReportsOK(t *testing.T) {
	store := newTestStore(t)
	s := New(store, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPushAppliesMutationsInOrderAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	s := New(store, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req := wire.PushRequest{
		ClientID: "c1",
		Mutations: []wire.MutationRequest{
			{ID: 1, Name: "put", Args: json.RawMessage(`{"key":"a","value":"1"}`)},
			{ID: 2, Name: "put", Args: json.RawMessage(`{"key":"b","value":"2"}`)},
		},
	}
	var resp wire.PushResponse
	doRequest(t, srv, "/push", req, &resp)
	require.Len(t, resp.MutationInfos, 2)

	// Re-sending the same batch must not re-apply already-applied mutations.
	var resp2 wire.PushResponse
	doRequest(t, srv, "/push", req, &resp2)
	require.Empty(t, resp2.MutationInfos)
}

func TestPullReturnsFullPatchFromEmptyCookie(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Invoke("put", json.RawMessage(`{"key":"a","value":"1"}`))
	require.NoError(t, err)

	s := New(store, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	var resp wire.PullResponse
	doRequest(t, srv, "/pull", wire.PullRequest{ClientID: "c1"}, &resp)
	require.Len(t, resp.Patch, 1)
	require.Equal(t, wire.OpPut, resp.Patch[0].Op)
	require.Equal(t, "a", resp.Patch[0].Key)
}

func TestPullReturnsEmptyPatchWhenCookieMatchesHead(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Invoke("put", json.RawMessage(`{"key":"a","value":"1"}`))
	require.NoError(t, err)

	s := New(store, nil)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	var first wire.PullResponse
	doRequest(t, srv, "/pull", wire.PullRequest{ClientID: "c1"}, &first)

	var second wire.PullResponse
	doRequest(t, srv, "/pull", wire.PullRequest{ClientID: "c1", Cookie: first.Cookie}, &second)
	require.Empty(t, second.Patch)
}

package e2e

import (
	"encoding/json"
	"testing"

	"github.com/kvsync/kvsync"
	"github.com/kvsync/kvsync/internal/kvstore"
)

// putArgs/delArgs are the wire shape for this package's "put"/"del"
// mutators: both client and server register the identical pair, so
// replaying one client's mutation on another store (or on the server)
// produces identical effects.
type putArgs struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type delArgs struct {
	Key string `json:"key"`
}

func registerTestMutators(store *kvstore.Store) {
	store.Register("put", func(tx *kvstore.WriteTx, raw json.RawMessage) error {
		var a putArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		return tx.Put(a.Key, a.Value)
	})
	store.Register("del", func(tx *kvstore.WriteTx, raw json.RawMessage) error {
		var a delArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		_, err := tx.Del(a.Key)
		return err
	})
}

// newTestClient opens a kvsync.Store pointed at the SUT's push/pull
// endpoints, with the same mutators registered as the server.
func newTestClient(t *testing.T, name, baseURL string) *kvsync.Store {
	t.Helper()
	store, err := kvsync.Open(kvsync.Config{
		Name:        name,
		UseMemstore: true,
		LogLevel:    "error",
		PullURL:     baseURL + "/pull",
		PushURL:     baseURL + "/push",
	})
	if err != nil {
		t.Fatalf("open client store %s: %v", name, err)
	}
	t.Cleanup(func() { _ = store.Close() })

	store.Register("put", func(tx *kvstore.WriteTx, raw json.RawMessage) error {
		var a putArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		return tx.Put(a.Key, a.Value)
	})
	store.Register("del", func(tx *kvstore.WriteTx, raw json.RawMessage) error {
		var a delArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		_, err := tx.Del(a.Key)
		return err
	})

	return store
}

func putValue(t *testing.T, store *kvsync.Store, key, value string) {
	t.Helper()
	encoded, err := json.Marshal(putArgs{Key: key, Value: json.RawMessage(mustMarshal(t, value))})
	if err != nil {
		t.Fatalf("marshal put args: %v", err)
	}
	if _, err := store.Invoke("put", encoded); err != nil {
		t.Fatalf("invoke put %s: %v", key, err)
	}
}

func mustMarshalDelArgs(t *testing.T, key string) []byte {
	t.Helper()
	b, err := json.Marshal(delArgs{Key: key})
	if err != nil {
		t.Fatalf("marshal del args: %v", err)
	}
	return b
}

func mustMarshal(t *testing.T, v string) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal value: %v", err)
	}
	return b
}

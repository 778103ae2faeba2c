// Package e2e exercises a full client-server loop: one in-process
// reference server (internal/transport/httpapi) standing in for "the
// remote server", and one or more kvsync.Store clients pushing and
// pulling against it.
package e2e

import (
	"net/http/httptest"
	"os"
	"testing"

	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/kvstore"
	"github.com/kvsync/kvsync/internal/transport/httpapi"
)

// systemUnderTest is one reference server plus the store backing it.
type systemUnderTest struct {
	BaseURL string
	store   *kvstore.Store
	srv     *httptest.Server
	dataDir string // non-empty for a durable SUT, enabling Restart
}

func (s *systemUnderTest) Close() {
	s.srv.Close()
	s.store.Close()
}

// Restart closes the current server and store and reopens a fresh pair
// against the same durable backend directory, simulating a process
// restart. Only valid for a SUT started with startDurableSystemUnderTest.
func (s *systemUnderTest) Restart(t *testing.T) {
	t.Helper()
	if s.dataDir == "" {
		t.Fatal("Restart requires a durable system under test")
	}
	s.Close()

	be, err := backend.OpenDurable(s.dataDir, "e2e-server", backend.DurableConfig{})
	if err != nil {
		t.Fatalf("reopen durable backend: %v", err)
	}
	store, err := kvstore.Open(be)
	if err != nil {
		t.Fatalf("reopen server store: %v", err)
	}
	registerTestMutators(store)

	handler := httpapi.New(store, nil).Router()
	srv := httptest.NewServer(handler)

	s.store = store
	s.srv = srv
	s.BaseURL = srv.URL
}

// startSystemUnderTest boots an in-memory reference server with no
// registered mutators beyond "put"/"del", the minimal pair every e2e
// client in this package needs.
func startSystemUnderTest(t *testing.T) *systemUnderTest {
	t.Helper()
	store, err := kvstore.Open(backend.NewMemory("e2e-server"))
	if err != nil {
		t.Fatalf("open server store: %v", err)
	}
	registerTestMutators(store)

	handler := httpapi.New(store, nil).Router()
	srv := httptest.NewServer(handler)

	return &systemUnderTest{BaseURL: srv.URL, store: store, srv: srv}
}

// startDurableSystemUnderTest is like startSystemUnderTest but backs the
// server with a durable backend rooted at dir, so the caller can Close
// and reopen it to exercise crash recovery.
func startDurableSystemUnderTest(t *testing.T, dir string) *systemUnderTest {
	t.Helper()
	be, err := backend.OpenDurable(dir, "e2e-server", backend.DurableConfig{})
	if err != nil {
		t.Fatalf("open durable backend: %v", err)
	}
	store, err := kvstore.Open(be)
	if err != nil {
		t.Fatalf("open server store: %v", err)
	}
	registerTestMutators(store)

	handler := httpapi.New(store, nil).Router()
	srv := httptest.NewServer(handler)

	return &systemUnderTest{BaseURL: srv.URL, store: store, srv: srv, dataDir: dir}
}

// readServerValue reads key directly from the SUT's own authoritative
// store, bypassing the wire protocol, for asserting that a background
// push actually landed server-side.
func (s *systemUnderTest) readServerValue(key string) ([]byte, bool, error) {
	tx, err := s.store.ReadTx()
	if err != nil {
		return nil, false, err
	}
	defer tx.Close()
	return tx.Get(key)
}

func tempDataDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "kvsync-e2e-*")
	if err != nil {
		t.Fatalf("create temp data dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

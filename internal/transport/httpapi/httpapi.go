// Package httpapi is a minimal reference server for the push/pull wire
// protocol: an authoritative peer over any kvstore.Store, for integration
// tests and cmd/kvsyncd to pull and push against. It performs no server-side
// conflict resolution -- pushed mutators are simply invoked in order
// against the authoritative store, exactly as a client would invoke them
// locally.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/kvsync/kvsync/internal/authtoken"
	"github.com/kvsync/kvsync/internal/kvstore"
	"github.com/kvsync/kvsync/internal/wire"
)

// Server is the authoritative peer: one kvstore.Store plus per-client
// mutation-acknowledgement bookkeeping.
type Server struct {
	store    *kvstore.Store
	verifier *authtoken.Provider // nil disables bearer-token enforcement

	mu          sync.Mutex
	lastApplied map[string]uint64 // clientID -> highest mutation id applied

	log *logrus.Entry
}

// New wraps store as an HTTP peer. If verifier is non-nil, every /push and
// /pull request must carry an Authorization bearer token it accepts;
// /healthz is never checked.
func New(store *kvstore.Store, verifier *authtoken.Provider) *Server {
	return &Server{
		store:       store,
		verifier:    verifier,
		lastApplied: make(map[string]uint64),
		log:         logrus.WithField("component", "httpapi"),
	}
}

// Router builds the chi router exposing POST /push, POST /pull, GET /healthz.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Post("/push", s.handlePush)
	r.Post("/pull", s.handlePull)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) authorize(r *http.Request) error {
	if s.verifier == nil {
		return nil
	}
	bearer := r.Header.Get("Authorization")
	if bearer == "" {
		return wire.ErrUnauthorized
	}
	if _, err := s.verifier.Verify(bearer); err != nil {
		return wire.ErrUnauthorized
	}
	return nil
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req wire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	mutations := append([]wire.MutationRequest(nil), req.Mutations...)
	sort.Slice(mutations, func(i, j int) bool { return mutations[i].ID < mutations[j].ID })

	s.mu.Lock()
	lastApplied := s.lastApplied[req.ClientID]
	s.mu.Unlock()

	resp := wire.PushResponse{}
	for _, m := range mutations {
		if m.ID <= lastApplied {
			continue // already applied on a prior push; re-sends are expected after a retry
		}
		_, err := s.store.Invoke(m.Name, m.Args)
		info := wire.MutationInfo{ID: m.ID}
		if err != nil {
			info.Error = err.Error()
			s.log.WithError(err).WithField("mutation", m.Name).Warn("pushed mutator failed")
		} else {
			lastApplied = m.ID
		}
		resp.MutationInfos = append(resp.MutationInfos, info)
	}

	s.mu.Lock()
	s.lastApplied[req.ClientID] = lastApplied
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req wire.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	head := s.store.Head()
	patch, err := s.patchSince(req.Cookie, head)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cookie, err := json.Marshal(head)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	lastApplied := s.lastApplied[req.ClientID]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, wire.PullResponse{
		Cookie:         cookie,
		LastMutationID: lastApplied,
		Patch:          patch,
	})
}

// patchSince diffs the materialized row state at the commit named by
// fromCookie against head, producing the ops a client must apply to catch
// up. A cookie unmarshaling to the empty string or an unknown commit is
// treated as "no prior state" -- the patch is every row in head.
func (s *Server) patchSince(fromCookie json.RawMessage, head string) ([]wire.Op, error) {
	var fromHash string
	if len(fromCookie) > 0 {
		_ = json.Unmarshal(fromCookie, &fromHash)
	}

	newView, err := s.store.Graph().Materialize(head)
	if err != nil {
		return nil, err
	}

	var oldRows map[string]json.RawMessage
	if fromHash != "" {
		if oldView, err := s.store.Graph().Materialize(fromHash); err == nil {
			oldRows = oldView.Rows
		}
	}

	keys := make(map[string]struct{}, len(newView.Rows)+len(oldRows))
	for k := range newView.Rows {
		keys[k] = struct{}{}
	}
	for k := range oldRows {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var ops []wire.Op
	for _, k := range sorted {
		newVal, newOK := newView.Rows[k]
		oldVal, oldOK := oldRows[k]
		switch {
		case newOK && (!oldOK || string(newVal) != string(oldVal)):
			ops = append(ops, wire.Op{Op: wire.OpPut, Key: k, Value: newVal})
		case !newOK && oldOK:
			ops = append(ops, wire.Op{Op: wire.OpDel, Key: k})
		}
	}
	return ops, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

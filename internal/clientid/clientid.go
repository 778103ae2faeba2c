// Package clientid generates and persists the UUIDv4 client identity that
// accompanies every pull/push request.
package clientid

import (
	"github.com/google/uuid"

	"github.com/kvsync/kvsync/internal/chunkstore"
)

// Load returns the persisted client id, generating and persisting a new
// UUIDv4 on first open.
func Load(chunks *chunkstore.Store) (string, error) {
	id, ok, err := chunks.ClientID()
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.NewString()
	if err := chunks.SetClientID(id); err != nil {
		return "", err
	}
	if err := chunks.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Package identity provides the stable opaque identifier the push channel is
// addressed with. One identity per installation, persisted so reconnects and
// reloads keep correlating inbound events to this client.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mehedi37/tasksync/internal/storage"
)

// LoadOrCreate returns the persisted client id, generating and persisting a
// fresh one the first time.
func LoadOrCreate(ctx context.Context, store storage.Store) (string, error) {
	raw, err := store.Get(ctx, storage.KeyClientID)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if id != "" {
			return id, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load client id: %w", err)
	}

	id := uuid.NewString()
	if err := store.Set(ctx, storage.KeyClientID, []byte(id)); err != nil {
		return "", fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}

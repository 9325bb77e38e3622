package database

import (
	"testing"

	"github.com/google/uuid"
)

func TestMemoryDB(t *testing.T) {
	runStoreTests(t, func(t *testing.T) (ConversationStore, string) {
		return NewMemoryDB(), uuid.NewString()
	})
}

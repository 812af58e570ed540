package session_test

import (
	"testing"

	"github.com/kalambet/pixella/internal/session"
	"github.com/kalambet/pixella/internal/session/sessiontest"
)

func TestMemoryStore(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		return session.NewMemoryStore()
	})
}

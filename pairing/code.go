// Package pairing issues the short codes that pair a controller with a
// device. A code is a fixed-length, uppercase, unguessable token; it stays
// unique for as long as its room is open and may be reused afterward.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// CodeLength is the fixed length of every pairing code.
const CodeLength = 16

// codeAlphabet is the character set codes are drawn from. Uppercase-only so
// codes survive case-mangling when typed or read aloud.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RoomReserver pre-creates a room for a freshly issued code. Reserve
// reports false when the code collides with an open room.
type RoomReserver interface {
	Reserve(code string) bool
}

// Manager issues pairing codes against a room registry.
type Manager struct {
	rooms RoomReserver
}

// NewManager creates a code manager backed by the given registry.
func NewManager(rooms RoomReserver) *Manager {
	return &Manager{rooms: rooms}
}

// NewCode issues a fresh code and reserves its room. Collisions against
// open rooms are retried; with 36^16 possible codes a retry is already
// extraordinary, so the loop is effectively single-pass.
func (m *Manager) NewCode() string {
	for {
		code := randomCode()
		if m.rooms.Reserve(code) {
			logrus.WithField("code", code).Info("Issued new pairing code")
			return code
		}
		logrus.WithField("code", code).Warn("Code collided with open room, retrying")
	}
}

// randomCode draws CodeLength characters from the code alphabet using the
// system CSPRNG. Entropy failure at this point is a startup-class fault,
// not a runtime condition.
func randomCode() string {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("pairing: system entropy unavailable: %v", err))
	}
	code := make([]byte, CodeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code)
}

// HandleNewCode returns the HTTP handler for the code issuance endpoint.
// The response is {"code": "..."}; the side effect is room pre-creation.
func (m *Manager) HandleNewCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		code := m.NewCode()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{"code": code}); err != nil {
			logrus.WithField("error", err.Error()).Warn("Failed to write code response")
		}
	}
}

// Package credentials resolves provider API keys at adapter construction
// time. Raw key material stays inside this package's return values and must
// never be written to logs or error messages; use Redact for anything
// user-visible.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("credential not found")

// Source resolves the API key for a provider by ID.
type Source interface {
	Lookup(providerID string) (string, error)
}

// EnvSource reads keys from environment variables. The variable name is
// taken from the provider's configured env entry, falling back to
// SWITCHBOARD_<PROVIDER>_API_KEY when none is configured.
type EnvSource struct {
	mu   sync.RWMutex
	vars map[string]string // providerID -> env var name
}

// NewEnvSource builds an EnvSource from a providerID -> env var mapping.
func NewEnvSource(vars map[string]string) *EnvSource {
	m := make(map[string]string, len(vars))
	for id, v := range vars {
		m[id] = v
	}
	return &EnvSource{vars: m}
}

func (s *EnvSource) Lookup(providerID string) (string, error) {
	s.mu.RLock()
	name := s.vars[providerID]
	s.mu.RUnlock()

	if name == "" {
		name = defaultEnvVar(providerID)
	}
	key := os.Getenv(name)
	if key == "" {
		return "", fmt.Errorf("%w: env %s is empty (provider %s)", ErrNotFound, name, providerID)
	}
	return key, nil
}

// Register maps a provider to an env var name, replacing any prior mapping.
func (s *EnvSource) Register(providerID, envVar string) {
	s.mu.Lock()
	s.vars[providerID] = envVar
	s.mu.Unlock()
}

func defaultEnvVar(providerID string) string {
	id := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(providerID))
	return "SWITCHBOARD_" + id + "_API_KEY"
}

// StaticSource serves fixed keys, mainly for tests.
type StaticSource map[string]string

func (s StaticSource) Lookup(providerID string) (string, error) {
	key, ok := s[providerID]
	if !ok || key == "" {
		return "", fmt.Errorf("%w: provider %s", ErrNotFound, providerID)
	}
	return key, nil
}

// Redact returns a loggable form of a key: first four characters plus a
// fixed mask, or the mask alone for short keys.
func Redact(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}

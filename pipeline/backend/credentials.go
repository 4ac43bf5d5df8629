package backend

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// EnvCredentials resolves backend secrets from the environment, one variable
// per backend: <prefix><BACKEND_ID>_API_KEY with the id upper-cased and
// dashes mapped to underscores.
type EnvCredentials struct {
	prefix string
}

// NewEnvCredentials creates an environment-backed credential provider.
// An empty prefix defaults to "PIPELINE_".
func NewEnvCredentials(prefix string) *EnvCredentials {
	if prefix == "" {
		prefix = "PIPELINE_"
	}
	return &EnvCredentials{prefix: prefix}
}

// Credential implements CredentialProvider. A missing variable is not an
// error here; the executor decides whether the backend required one.
func (e *EnvCredentials) Credential(backendID string) (string, error) {
	name := e.prefix + strings.ToUpper(strings.ReplaceAll(backendID, "-", "_")) + "_API_KEY"
	return os.Getenv(name), nil
}

// StaticCredentials serves secrets from a fixed map. Useful for tests and
// for configurations that inline secrets from an external secret store.
type StaticCredentials struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticCredentials creates a map-backed credential provider.
func NewStaticCredentials(secrets map[string]string) *StaticCredentials {
	if secrets == nil {
		secrets = make(map[string]string)
	}
	return &StaticCredentials{secrets: secrets}
}

// Credential implements CredentialProvider.
func (s *StaticCredentials) Credential(backendID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets[backendID], nil
}

// Set stores a secret for a backend.
func (s *StaticCredentials) Set(backendID, secret string) {
	s.mu.Lock()
	s.secrets[backendID] = secret
	s.mu.Unlock()
}

// ChainCredentials tries providers in order and returns the first non-empty
// secret. Errors short-circuit the chain.
type ChainCredentials []CredentialProvider

// Credential implements CredentialProvider.
func (c ChainCredentials) Credential(backendID string) (string, error) {
	for _, p := range c {
		secret, err := p.Credential(backendID)
		if err != nil {
			return "", fmt.Errorf("credential lookup for %s failed: %w", backendID, err)
		}
		if secret != "" {
			return secret, nil
		}
	}
	return "", nil
}

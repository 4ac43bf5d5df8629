// Package backend provides the language-model backend client port and its
// HTTP implementation, plus credential resolution.
//
// The executor depends only on the Client and CredentialProvider interfaces;
// deployments swap implementations per backend.
package backend

import (
	"context"
	"fmt"
)

// Completion is a backend's response to a single completion request. Token
// counts come verbatim from the backend's own accounting; zero means the
// backend reported nothing - they are never estimated.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Options are per-request knobs.
type Options struct {
	Temperature *float64
	MaxTokens   *int
	// ForceJSON asks the backend for strict structured output.
	ForceJSON bool
	// Credential is the decrypted secret for the backend, empty when the
	// backend requires none.
	Credential string
}

// Client dispatches one completion request to a named backend. systemText is
// the fixed stage directive, userText the variable turn. Implementations own
// their timeout policy; a timeout surfaces as an ordinary error.
type Client interface {
	Complete(ctx context.Context, backendID, model, systemText, userText string, opts Options) (*Completion, error)
}

// CredentialProvider resolves the decrypted secret for a backend. A nil error
// with an empty secret means the backend requires no credential.
type CredentialProvider interface {
	Credential(backendID string) (string, error)
}

// ErrUnknownBackend is returned when a backend id has no configuration.
type ErrUnknownBackend struct {
	BackendID string
}

func (e *ErrUnknownBackend) Error() string {
	return fmt.Sprintf("unknown backend: %s", e.BackendID)
}

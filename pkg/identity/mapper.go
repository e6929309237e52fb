// Package identity resolves a portal owner identity (an email address)
// into a cluster-local account name.
//
// Two strategies exist behind one interface:
//   - Fixed: every job runs as one configured service account
//   - Directory: per-user lookup against an LDAP directory with a durable
//     TTL cache
//
// New strategies are added by extending this closed set, not by runtime
// plugin loading.
package identity

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnresolved reports that an identity could not be mapped to a local
// account. A submission hitting this error is skipped for the current
// tick and retried on the next one.
var ErrUnresolved = errors.New("identity could not be resolved")

// ErrNotFound is returned by a Directory when the identity has no entry.
var ErrNotFound = errors.New("identity not found in directory")

// Mapper resolves one owner identity into a local username.
type Mapper interface {
	Resolve(ctx context.Context, ownerIdentity string) (string, error)
}

// Fixed always returns the configured username, ignoring the input. Used
// when the cluster runs everything under a single shared service account.
type Fixed struct {
	Username string
}

func NewFixed(username string) (*Fixed, error) {
	if username == "" {
		return nil, fmt.Errorf("fixed identity mapper requires a username")
	}
	return &Fixed{Username: username}, nil
}

func (f *Fixed) Resolve(_ context.Context, _ string) (string, error) {
	return f.Username, nil
}

// Package secrets resolves credential references attached to jobs. Values
// never travel in config snapshots; each node resolves refs at execution
// time from its own provider.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("secret not found")

// Provider resolves a credential reference of the form "scope/name".
type Provider interface {
	Get(ctx context.Context, scope, name string) (string, error)
}

// SplitRef parses "scope/name".
func SplitRef(ref string) (scope, name string, err error) {
	scope, name, ok := strings.Cut(ref, "/")
	if !ok || scope == "" || name == "" {
		return "", "", fmt.Errorf("credential ref %q: want scope/name", ref)
	}
	return scope, name, nil
}

// EnvProvider reads secrets from the process environment as
// BASTION_SECRET_<SCOPE>_<NAME>, uppercased, with dashes mapped to
// underscores.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, scope, name string) (string, error) {
	key := "BASTION_SECRET_" + envKey(scope) + "_" + envKey(name)
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

func envKey(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
}

// Static is an in-memory provider for tests and embedded setups.
type Static struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStatic(values map[string]string) *Static {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Static{values: cp}
}

func (s *Static) Get(_ context.Context, scope, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[scope+"/"+name]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", scope, name, ErrNotFound)
	}
	return v, nil
}

func (s *Static) Set(scope, name, value string) {
	s.mu.Lock()
	s.values[scope+"/"+name] = value
	s.mu.Unlock()
}

// Resolve maps each ref through the provider. Missing refs fail the whole
// resolution; a run must not start with partial credentials.
func Resolve(ctx context.Context, p Provider, refs []string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		scope, name, err := SplitRef(ref)
		if err != nil {
			return nil, err
		}
		v, err := p.Get(ctx, scope, name)
		if err != nil {
			return nil, err
		}
		out[ref] = v
	}
	return out, nil
}

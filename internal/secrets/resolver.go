// Package secrets resolves secret references embedded in connection
// descriptors before connector instantiation. A reference has the form
// vault:<mount>/<path>#<field>; any other value passes through untouched.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/governd/governd/internal/platform"
)

const refPrefix = "vault:"

type Options struct {
	Address   string
	Token     string
	Namespace string
}

// Resolver reads referenced secrets from Vault KV v2. A nil Resolver is a
// valid no-op.
type Resolver struct {
	client *vaultapi.Client
}

func New(opts Options) (*Resolver, error) {
	address := strings.TrimSpace(opts.Address)
	if address == "" {
		return nil, errors.New("vault address is required")
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = address

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	if token := strings.TrimSpace(opts.Token); token != "" {
		client.SetToken(token)
	}
	if namespace := strings.TrimSpace(opts.Namespace); namespace != "" {
		client.SetNamespace(namespace)
	}
	return &Resolver{client: client}, nil
}

// ResolveConnection returns a copy of conn with every vault: reference in
// its secured and configuration properties replaced by the secret value.
func (r *Resolver) ResolveConnection(ctx context.Context, conn platform.Connection) (platform.Connection, error) {
	if r == nil {
		return conn, nil
	}

	if len(conn.SecuredProperties) > 0 {
		resolved := make(map[string]string, len(conn.SecuredProperties))
		for key, value := range conn.SecuredProperties {
			v, err := r.resolveValue(ctx, value)
			if err != nil {
				return platform.Connection{}, fmt.Errorf("secured property %q: %w", key, err)
			}
			resolved[key] = v
		}
		conn.SecuredProperties = resolved
	}

	if len(conn.ConfigurationProperties) > 0 {
		resolved := make(map[string]any, len(conn.ConfigurationProperties))
		for key, value := range conn.ConfigurationProperties {
			s, ok := value.(string)
			if !ok {
				resolved[key] = value
				continue
			}
			v, err := r.resolveValue(ctx, s)
			if err != nil {
				return platform.Connection{}, fmt.Errorf("configuration property %q: %w", key, err)
			}
			resolved[key] = v
		}
		conn.ConfigurationProperties = resolved
	}

	return conn, nil
}

func (r *Resolver) resolveValue(ctx context.Context, value string) (string, error) {
	ref, ok := parseRef(value)
	if !ok {
		return value, nil
	}

	secret, err := r.client.KVv2(ref.mount).Get(ctx, ref.path)
	if err != nil {
		return "", fmt.Errorf("vault read %s/%s: %w", ref.mount, ref.path, err)
	}
	raw, ok := secret.Data[ref.field]
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s has no field %q", ref.mount, ref.path, ref.field)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s field %q is not a string", ref.mount, ref.path, ref.field)
	}
	return s, nil
}

type secretRef struct {
	mount string
	path  string
	field string
}

func parseRef(value string) (secretRef, bool) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, refPrefix) {
		return secretRef{}, false
	}
	rest := strings.TrimPrefix(trimmed, refPrefix)

	location, field, found := strings.Cut(rest, "#")
	if !found {
		return secretRef{}, false
	}
	mount, path, found := strings.Cut(location, "/")
	if !found {
		return secretRef{}, false
	}

	mount = strings.TrimSpace(mount)
	path = strings.Trim(strings.TrimSpace(path), "/")
	field = strings.TrimSpace(field)
	if mount == "" || path == "" || field == "" {
		return secretRef{}, false
	}
	return secretRef{mount: mount, path: path, field: field}, true
}

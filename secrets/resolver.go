package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type Resolver interface {
	Resolve(ctx context.Context, secretRef string) (string, error)
}

// EnvResolver resolves secret refs such as "AWS_MCP_KEY" or
// "env:AWS_MCP_KEY" from environment variables, after mapping them through
// Aliases. A variable that is unset or blank is an error.
type EnvResolver struct {
	Aliases map[string]string
	// Lookup replaces os.LookupEnv when set.
	Lookup func(string) (string, bool)
}

func (r *EnvResolver) Resolve(_ context.Context, secretRef string) (string, error) {
	ref := strings.TrimSpace(secretRef)
	if ref == "" {
		return "", fmt.Errorf("empty secret_ref")
	}
	name := r.envName(ref)
	if name == "" {
		return "", fmt.Errorf("secret_ref %q names no variable", secretRef)
	}

	lookup := os.LookupEnv
	if r != nil && r.Lookup != nil {
		lookup = r.Lookup
	}
	val, ok := lookup(name)
	switch {
	case !ok:
		return "", fmt.Errorf("secret not found (env var %q is not set)", name)
	case strings.TrimSpace(val) == "":
		return "", fmt.Errorf("secret is empty (env var %q)", name)
	}
	return val, nil
}

func (r *EnvResolver) envName(ref string) string {
	if r != nil {
		if alias := strings.TrimSpace(r.Aliases[ref]); alias != "" {
			ref = alias
		}
	}
	if rest, ok := strings.CutPrefix(ref, "env:"); ok {
		ref = rest
	}
	return strings.TrimSpace(ref)
}

// ResolveOptional returns literal when set, otherwise resolves ref. Both
// empty is not an error: the caller gets "".
func ResolveOptional(ctx context.Context, r Resolver, literal, ref string) (string, error) {
	if v := strings.TrimSpace(literal); v != "" {
		return v, nil
	}
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	if r == nil {
		return "", fmt.Errorf("no secret resolver for %q", ref)
	}
	return r.Resolve(ctx, ref)
}

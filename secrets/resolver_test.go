package secrets

import (
	"context"
	"testing"
)

func TestEnvResolver(t *testing.T) {
	t.Setenv("SMARTOPS_TEST_KEY", "s3cr3t")
	t.Setenv("SMARTOPS_TEST_EMPTY", "  ")

	r := &EnvResolver{Aliases: map[string]string{"aws_key": "SMARTOPS_TEST_KEY"}}
	cases := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"SMARTOPS_TEST_KEY", "s3cr3t", false},
		{"aws_key", "s3cr3t", false},
		{"env:SMARTOPS_TEST_KEY", "s3cr3t", false},
		{"env:", "", true},
		{"SMARTOPS_TEST_EMPTY", "", true},
		{"SMARTOPS_TEST_UNSET_XYZ", "", true},
		{" ", "", true},
	}
	for _, tc := range cases {
		got, err := r.Resolve(context.Background(), tc.ref)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("Resolve(%q) = %q, %v", tc.ref, got, err)
		}
	}
}

func TestResolveOptional(t *testing.T) {
	t.Setenv("SMARTOPS_TEST_KEY", "from-env")
	r := &EnvResolver{}
	ctx := context.Background()

	if got, err := ResolveOptional(ctx, r, "literal", "SMARTOPS_TEST_KEY"); err != nil || got != "literal" {
		t.Fatalf("literal: %q %v", got, err)
	}
	if got, err := ResolveOptional(ctx, r, "", "SMARTOPS_TEST_KEY"); err != nil || got != "from-env" {
		t.Fatalf("ref: %q %v", got, err)
	}
	if got, err := ResolveOptional(ctx, r, "", ""); err != nil || got != "" {
		t.Fatalf("neither: %q %v", got, err)
	}
	if _, err := ResolveOptional(ctx, nil, "", "X"); err == nil {
		t.Fatal("expected error without resolver")
	}
}

func TestEnvResolver_Lookup(t *testing.T) {
	r := &EnvResolver{Lookup: func(name string) (string, bool) {
		if name == "VAULTED" {
			return "v", true
		}
		return "", false
	}}
	if got, err := r.Resolve(context.Background(), "env:VAULTED"); err != nil || got != "v" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if _, err := r.Resolve(context.Background(), "OTHER"); err == nil {
		t.Fatal("expected error for an unknown variable")
	}
}

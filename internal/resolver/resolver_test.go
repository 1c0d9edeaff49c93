package resolver

import (
	"context"
	"errors"
	"testing"
)

func TestAliasResolution(t *testing.T) {
	r := NewStatic(map[string]string{
		"toby":      "toby-technical",
		"tech-lead": "toby-technical",
	}, nil, nil, nil)

	for _, raw := range []string{"toby", "Toby", "  tech-lead "} {
		got, err := r.ResolveCanonicalAgentID(context.Background(), raw)
		if err != nil {
			t.Fatalf("resolve %q: %v", raw, err)
		}
		if got != "toby-technical" {
			t.Errorf("resolve %q = %q, want toby-technical", raw, got)
		}
	}
}

func TestUnknownResolvesToItself(t *testing.T) {
	r := NewStatic(nil, nil, nil, nil)
	got, err := r.ResolveCanonicalAgentID(context.Background(), "Mystery-Agent")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "mystery-agent" {
		t.Errorf("got %q, want normalized identity mystery-agent", got)
	}
}

func TestDynamicLookupCached(t *testing.T) {
	lookups := 0
	lookup := func(_ context.Context, raw string) (string, error) {
		lookups++
		if raw == "old-name" {
			return "new-name", nil
		}
		return "", nil
	}
	r := NewStatic(nil, nil, lookup, nil)

	for i := 0; i < 3; i++ {
		got, err := r.ResolveCanonicalAgentID(context.Background(), "old-name")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got != "new-name" {
			t.Errorf("got %q, want new-name", got)
		}
	}
	if lookups != 1 {
		t.Errorf("lookup calls = %d, want 1 (cached thereafter)", lookups)
	}
}

func TestDynamicLookupError(t *testing.T) {
	lookup := func(context.Context, string) (string, error) {
		return "", errors.New("directory down")
	}
	r := NewStatic(nil, nil, lookup, nil)
	if _, err := r.ResolveCanonicalAgentID(context.Background(), "anything"); err == nil {
		t.Fatal("expected error from failing directory")
	}
}

func TestStaticAliasBeatsLookup(t *testing.T) {
	lookup := func(context.Context, string) (string, error) {
		t.Fatal("lookup must not be consulted for static aliases")
		return "", nil
	}
	r := NewStatic(map[string]string{"toby": "toby-technical"}, nil, lookup, nil)
	got, _ := r.ResolveCanonicalAgentID(context.Background(), "toby")
	if got != "toby-technical" {
		t.Errorf("got %q", got)
	}
}

func TestDisplayName(t *testing.T) {
	r := NewStatic(nil, map[string]string{"toby-technical": "Toby (Technical)"}, nil, nil)
	if got := r.DisplayName("toby-technical"); got != "Toby (Technical)" {
		t.Errorf("got %q", got)
	}
	if got := r.DisplayName("unlisted"); got != "unlisted" {
		t.Errorf("fallback should be the id itself, got %q", got)
	}
}

func TestEmptyRaw(t *testing.T) {
	r := NewStatic(nil, nil, nil, nil)
	got, err := r.ResolveCanonicalAgentID(context.Background(), "   ")
	if err != nil || got != "" {
		t.Errorf("blank input should resolve to empty, got %q err %v", got, err)
	}
}

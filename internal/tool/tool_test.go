package tool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticRegistryResolve(t *testing.T) {
	t.Parallel()
	r, err := NewStatic([]Definition{
		{ID: "search", Command: "/usr/local/bin/search-tool", DeclaredTimeout: 10 * time.Second},
		{ID: "report", Command: "/usr/local/bin/report-tool"},
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	d, err := r.Resolve(context.Background(), "search")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Command != "/usr/local/bin/search-tool" || d.DeclaredTimeout != 10*time.Second {
		t.Fatalf("unexpected definition: %+v", d)
	}

	if _, err := r.Resolve(context.Background(), "nope"); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("want ErrUnknownTool, got %v", err)
	}
	if got := len(r.List(context.Background())); got != 2 {
		t.Fatalf("List = %d defs, want 2", got)
	}
}

func TestStaticRegistryValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewStatic([]Definition{{ID: "", Command: "x"}}); err == nil {
		t.Fatal("empty id must be rejected")
	}
	if _, err := NewStatic([]Definition{{ID: "a", Command: ""}}); err == nil {
		t.Fatal("empty command must be rejected")
	}
	if _, err := NewStatic([]Definition{{ID: "a", Command: "x"}, {ID: "a", Command: "y"}}); err == nil {
		t.Fatal("duplicate id must be rejected")
	}
}

func TestReplaceKeepsOldTableOnError(t *testing.T) {
	t.Parallel()
	r, _ := NewStatic([]Definition{{ID: "a", Command: "x"}})
	if err := r.Replace([]Definition{{ID: "b", Command: ""}}); err == nil {
		t.Fatal("invalid replacement must error")
	}
	if _, err := r.Resolve(context.Background(), "a"); err != nil {
		t.Fatalf("old table should survive a failed replace: %v", err)
	}
}

package safety

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func check(t *testing.T, c *Checker, path, hash string) bool {
	t.Helper()
	ok, err := c.PreExecutionCheck(path, hash)
	if err != nil {
		t.Fatalf("PreExecutionCheck: %v", err)
	}
	return ok
}

func TestHashFile_MatchesHashBytes(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.ts", "console.log(1)\n")

	h, err := HashFile(p)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h != HashBytes([]byte("console.log(1)\n")) {
		t.Fatalf("HashFile and HashBytes disagree: %s", h)
	}
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
}

func TestPreExecutionCheck_Unchanged(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.ts", "x")
	h, _ := HashFile(p)

	if !check(t, NewChecker(nil), p, h) {
		t.Fatal("expected unchanged file to pass")
	}
}

func TestPreExecutionCheck_ModifiedIsStale(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.ts", "x")
	h, _ := HashFile(p)
	if err := os.WriteFile(p, []byte("y"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	c := NewChecker(nil)
	if check(t, c, p, h) {
		t.Fatal("expected modified file to fail")
	}
	if err := c.Verify(p, h); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}

func TestPreExecutionCheck_MissingFileIsStale(t *testing.T) {
	if check(t, NewChecker(nil), filepath.Join(t.TempDir(), "gone.ts"), "abc") {
		t.Fatal("expected missing file to fail")
	}
}

func TestPreExecutionCheck_FallsBackToRegistry(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.ts", "x")
	h, _ := HashFile(p)

	c := NewChecker(nil)
	if _, err := c.PreExecutionCheck(p, ""); !errors.Is(err, ErrNoBaseline) {
		t.Fatalf("expected ErrNoBaseline, got %v", err)
	}

	c.RecordHash(p, h)
	if !check(t, c, p, "") {
		t.Fatal("expected recorded hash to pass")
	}

	// Refreshing the registry after a known write keeps the check passing.
	if err := os.WriteFile(p, []byte("z"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if check(t, c, p, "") {
		t.Fatal("expected stale registry entry to fail")
	}
	h2, _ := HashFile(p)
	c.RecordHash(p, h2)
	if !check(t, c, p, "") {
		t.Fatal("expected refreshed registry entry to pass")
	}
}

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildInventory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"README.md":          "# Token",
		"src/Token.sol":      "contract Token {}",
		"src/lib/Math.sol":   "library Math {}",
		"LICENSE":            "MIT",
		".git/HEAD":          "ref: refs/heads/main",
		"scripts/deploy.txt": "x",
	})

	inv, err := BuildInventory(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if inv.Files != 5 {
		t.Errorf("files = %d, want 5 (hidden dirs skipped)", inv.Files)
	}
	if inv.Extensions[".sol"] != 2 || inv.Extensions[".md"] != 1 || inv.Extensions["(none)"] != 1 {
		t.Errorf("extensions = %v", inv.Extensions)
	}
	if inv.TotalBytes != int64(len("# Token")+len("contract Token {}")+len("library Math {}")+len("MIT")+len("x")) {
		t.Errorf("total bytes = %d", inv.TotalBytes)
	}
	if len(inv.Revision) != 12 {
		t.Errorf("revision = %q", inv.Revision)
	}
	if inv.Readme != "# Token" {
		t.Errorf("readme = %q", inv.Readme)
	}
	if inv.Tree[0] != "LICENSE" {
		t.Errorf("tree not sorted: %v", inv.Tree)
	}
}

func TestBuildInventory_RevisionTracksContent(t *testing.T) {
	t.Parallel()
	a, b := t.TempDir(), t.TempDir()
	files := map[string]string{"A.sol": "contract A {}", "B.sol": "contract B {}"}
	writeTree(t, a, files)
	writeTree(t, b, files)

	ia, err := BuildInventory(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	ib, err := BuildInventory(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if ia.Revision != ib.Revision {
		t.Fatalf("identical trees differ: %s vs %s", ia.Revision, ib.Revision)
	}

	writeTree(t, b, map[string]string{"B.sol": "contract B { uint x; }"})
	ib2, err := BuildInventory(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if ib2.Revision == ia.Revision {
		t.Error("revision unchanged after edit")
	}
}

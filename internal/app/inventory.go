package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	maxTreeEntries  = 200
	maxReadmeBytes  = 4000
	revisionHexLen  = 12
	noExtensionName = "(none)"
)

// Inventory is the inventory.json artifact.
type Inventory struct {
	Files      int            `json:"files"`
	TotalBytes int64          `json:"total_bytes"`
	Extensions map[string]int `json:"extensions"`
	Revision   string         `json:"revision"`
	Tree       []string       `json:"tree"`
	Truncated  bool           `json:"tree_truncated,omitempty"`
	Readme     string         `json:"-"`
	Synopsis   string         `json:"synopsis,omitempty"`
	// SynopsisReason explains a missing synopsis.
	SynopsisReason string `json:"synopsis_reason,omitempty"`
}

// BuildInventory walks dir. The revision is the first 12 hex chars of a
// sha256 over every file's relative path and content, in path order, so
// identical trees get identical revisions wherever they live.
func BuildInventory(ctx context.Context, dir string) (*Inventory, error) {
	inv := &Inventory{Extensions: make(map[string]int)}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		h.Write([]byte(rel))
		h.Write([]byte{0})
		h.Write(data)

		inv.Files++
		inv.TotalBytes += int64(len(data))
		ext := strings.ToLower(filepath.Ext(rel))
		if ext == "" {
			ext = noExtensionName
		}
		inv.Extensions[ext]++
		if inv.Readme == "" && strings.HasPrefix(strings.ToLower(filepath.Base(rel)), "readme") {
			inv.Readme = string(data)
			if len(inv.Readme) > maxReadmeBytes {
				inv.Readme = inv.Readme[:maxReadmeBytes]
			}
		}
	}
	inv.Revision = hex.EncodeToString(h.Sum(nil))[:revisionHexLen]
	inv.Tree = files
	if len(inv.Tree) > maxTreeEntries {
		inv.Tree = inv.Tree[:maxTreeEntries]
		inv.Truncated = true
	}
	return inv, nil
}

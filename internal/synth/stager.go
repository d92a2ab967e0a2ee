package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/raysh454/uatu/internal/store"
)

// ErrRestore means a file could not be put back to its pre-edit bytes.
var ErrRestore = errors.New("restore failed")

var errDuplicateTest = errors.New("snippet test name already present")

// Staged is one pending edit of a file. The candidate lives in memory until
// Validate writes it; the original bytes are always restorable.
type Staged struct {
	Path      string
	original  []byte
	candidate []byte
	mode      os.FileMode
}

// Stage reads path and computes the candidate with edit. The file is not
// touched.
func Stage(path string, edit func(orig []byte) ([]byte, error)) (*Staged, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", path, err)
	}
	orig, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", path, err)
	}
	cand, err := edit(bytes.Clone(orig))
	if err != nil {
		return nil, err
	}
	return &Staged{Path: path, original: orig, candidate: cand, mode: info.Mode().Perm()}, nil
}

// Patch is the unified patch from the original to the candidate.
func (s *Staged) Patch() string {
	dmp := diffmatchpatch.New()
	return dmp.PatchToText(dmp.PatchMake(string(s.original), string(s.candidate)))
}

// Validate writes the candidate and runs check. The candidate stays only if
// check returns nil; otherwise, and on panic, the original bytes are written
// back and verified. checkErr is check's result. err reports a failed write
// or restore and leaves the file state unknown.
func (s *Staged) Validate(ctx context.Context, check func(ctx context.Context) error) (kept bool, checkErr error, err error) {
	if err := store.AtomicWriteFile(s.Path, s.candidate, s.mode); err != nil {
		return false, nil, fmt.Errorf("write candidate: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.restore()
			panic(r)
		}
	}()
	if checkErr = check(ctx); checkErr == nil {
		return true, nil, nil
	}
	if err := s.restore(); err != nil {
		return false, checkErr, err
	}
	return false, checkErr, nil
}

func (s *Staged) restore() error {
	if err := store.AtomicWriteFile(s.Path, s.original, s.mode); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRestore, s.Path, err)
	}
	got, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRestore, s.Path, err)
	}
	if !bytes.Equal(got, s.original) {
		dmp := diffmatchpatch.New()
		residue := dmp.PatchToText(dmp.PatchMake(string(s.original), string(got)))
		return fmt.Errorf("%w: %s differs from original\n%s", ErrRestore, s.Path, residue)
	}
	return nil
}

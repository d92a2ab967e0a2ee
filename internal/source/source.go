// Package source acquires the code under audit: a local file or directory
// copied into the run, or verified sources fetched by contract address.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/store"
)

var (
	ErrInvalidAddress = errors.New("input is neither a file/folder nor a valid address")
	ErrMissingAPIKey  = errors.New("an explorer API key is required to fetch sources by address")
	ErrUnsupported    = errors.New("ecosystem requires a local path")
)

// MetaFile is written next to the source dir when sources were fetched.
const MetaFile = "meta.etherscan.json"

const (
	KindPath    = "path"
	KindAddress = "address"
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return len(s) == 42 && (strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")) && common.IsHexAddress(s)
}

// ChecksumAddress returns the EIP-55 form of a valid address.
func ChecksumAddress(s string) (string, error) {
	if !IsAddress(s) {
		return "", fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	return common.HexToAddress(s).Hex(), nil
}

// Acquired describes what landed in the work source dir.
type Acquired struct {
	Kind    string `json:"kind"`
	Input   string `json:"input"`
	Address string `json:"address,omitempty"`
	Files   int    `json:"files"`
	Meta    *Meta  `json:"meta,omitempty"`
}

// Fetcher retrieves the verified sources of a deployed contract.
type Fetcher interface {
	Fetch(ctx context.Context, address string) (*Bundle, error)
}

type Acquirer struct {
	fetcher Fetcher
	logger  logging.Logger
}

// NewAcquirer returns an Acquirer. A nil fetcher disables address inputs.
func NewAcquirer(fetcher Fetcher, logger logging.Logger) *Acquirer {
	return &Acquirer{fetcher: fetcher, logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "source"})}
}

// Acquire copies a local input into workSrc, or fetches it by address for
// the evm ecosystem.
func (a *Acquirer) Acquire(ctx context.Context, input, ecosystem, workSrc string) (*Acquired, error) {
	if err := os.MkdirAll(workSrc, 0o755); err != nil {
		return nil, fmt.Errorf("create source dir: %w", err)
	}
	if _, err := os.Stat(input); err == nil {
		n, err := store.CopyTree(ctx, input, workSrc, store.CopyOptions{})
		if err != nil {
			return nil, err
		}
		a.logger.Info("source copied", logging.Field{Key: "input", Value: input}, logging.Field{Key: "files", Value: n})
		return &Acquired{Kind: KindPath, Input: input, Files: n}, nil
	}

	if ecosystem != "evm" {
		return nil, fmt.Errorf("%s input %q: %w", ecosystem, input, ErrUnsupported)
	}
	addr, err := ChecksumAddress(input)
	if err != nil {
		return nil, err
	}
	if a.fetcher == nil {
		return nil, ErrMissingAPIKey
	}
	bundle, err := a.fetcher.Fetch(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", addr, err)
	}
	meta, err := bundle.WriteTo(workSrc, a.logger)
	if err != nil {
		return nil, err
	}
	if err := store.WriteJSON(filepath.Join(filepath.Dir(workSrc), MetaFile), meta); err != nil {
		return nil, err
	}
	a.logger.Info("source fetched",
		logging.Field{Key: "address", Value: addr},
		logging.Field{Key: "contract", Value: meta.ContractName},
		logging.Field{Key: "files", Value: len(meta.Files)})
	return &Acquired{Kind: KindAddress, Input: input, Address: addr, Files: len(meta.Files), Meta: meta}, nil
}

// Package abiregistry implements named lookup of parsed contract ABIs and
// 4-byte selector resolution. It ships a working default loader, accepting
// both a bare ABI JSON array and a Hardhat-artifact wrapper ({"abi": [...]}),
// because every component needs something satisfying the interface to be
// testable.
package abiregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Registry is the narrow contract every component depends on: resolve a
// contract's parsed ABI by name, or a function name by 4-byte selector.
type Registry interface {
	ABI(name string) (*abi.ABI, error)
	Selector(fourByteHex string) (string, bool)
}

// FileRegistry loads ABIs from a directory of "<name>.json" files the first
// time each name is requested, and caches the parsed result plus its
// selector table.
type FileRegistry struct {
	dir string

	mu        sync.Mutex
	cache     map[string]*abi.ABI
	selectors map[string]string // 4-byte hex -> function name
}

// NewFileRegistry builds a registry rooted at dir.
func NewFileRegistry(dir string) *FileRegistry {
	return &FileRegistry{
		dir:       dir,
		cache:     make(map[string]*abi.ABI),
		selectors: make(map[string]string),
	}
}

// ABI loads (or returns the cached) parsed ABI for name, reading either a
// plain ABI JSON array or a Hardhat-style artifact ({"abi": [...]})
func (r *FileRegistry) ABI(name string) (*abi.ABI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache[name]; ok {
		return a, nil
	}

	path := filepath.Join(r.dir, name+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("abiregistry: read %s: %w", path, err)
	}

	parsed, err := parseABIBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("abiregistry: parse %s: %w", path, err)
	}

	r.cache[name] = parsed
	for sel, method := range parsed.Methods {
		r.selectors[fmt.Sprintf("0x%x", method.ID)] = sel
	}
	return parsed, nil
}

// Selector resolves a 4-byte-prefixed hex selector to a function name, if any
// previously loaded ABI defines it.
func (r *FileRegistry) Selector(fourByteHex string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.selectors[strings.ToLower(fourByteHex)]
	return name, ok
}

// parseABIBytes accepts either a bare ABI JSON array or a Hardhat artifact
// object with an "abi" key.
func parseABIBytes(raw []byte) (*abi.ABI, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		parsed, err := abi.JSON(strings.NewReader(trimmed))
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	}

	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(string(artifact.ABI)))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

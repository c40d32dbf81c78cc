package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

// KnownServers maps server addresses to the public key first seen there.
type KnownServers struct {
	path string

	mu      sync.Mutex
	servers map[string][]byte
}

type knownFile struct {
	Servers map[string][]byte `json:"servers"`
}

// LoadKnownServers reads the file at path. A missing file is empty.
func LoadKnownServers(path string) (*KnownServers, error) {
	k := &KnownServers{path: path, servers: make(map[string][]byte)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return k, nil
		}
		return nil, fmt.Errorf("failed to read known servers: %w", err)
	}
	var kf knownFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for addr, der := range kf.Servers {
		k.servers[addr] = der
	}
	return k, nil
}

// Pinned returns the key recorded for addr, or nil on first contact.
func (k *KnownServers) Pinned(addr string) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.servers[addr]
}

// Remember records der for addr and writes the file. An existing, different
// key is never replaced.
func (k *KnownServers) Remember(addr string, der []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if old, ok := k.servers[addr]; ok {
		if bytes.Equal(old, der) {
			return nil
		}
		return fmt.Errorf("%s already has a different key on record", addr)
	}
	k.servers[addr] = append([]byte(nil), der...)

	data, err := json.MarshalIndent(knownFile{Servers: k.servers}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return atomic.WriteFile(k.path, bytes.NewReader(data))
}

// Forget drops the key recorded for addr.
func (k *KnownServers) Forget(addr string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.servers[addr]; !ok {
		return nil
	}
	delete(k.servers, addr)
	data, err := json.MarshalIndent(knownFile{Servers: k.servers}, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(k.path, bytes.NewReader(data))
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package unit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// State is what a unit keeps across power cycles
type State struct {
	Address     uint16           `cbor:"1,keyasint"`
	Calibration map[uint8][]byte `cbor:"2,keyasint,omitempty"`
}

func (s State) clone() State {
	out := State{Address: s.Address}
	if len(s.Calibration) > 0 {
		out.Calibration = make(map[uint8][]byte, len(s.Calibration))
		for k, v := range s.Calibration {
			out.Calibration[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// Store is the unit non-volatile memory. Load returns ok=false when nothing
// was ever saved.
type Store interface {
	Load() (state State, ok bool, err error)
	Save(state State) error
}

// FileStore keeps State as a CBOR file, replaced atomically on save
type FileStore struct {
	path string
}

// NewFileStore creates a store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store
func (f *FileStore) Load() (State, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("failed to read store: %w", err)
	}
	var s State
	if err := cbor.Unmarshal(data, &s); err != nil {
		return State{}, false, fmt.Errorf("failed to decode store %s: %w", f.path, err)
	}
	return s, true, nil
}

// Save implements Store
func (f *FileStore) Save(s State) error {
	data, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".unit-*")
	if err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	return os.Rename(tmp.Name(), f.path)
}

// MemStore keeps State in memory
type MemStore struct {
	mu    sync.Mutex
	state State
	saved bool
	saves int
}

// Load implements Store
func (m *MemStore) Load() (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), m.saved, nil
}

// Save implements Store
func (m *MemStore) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.clone()
	m.saved = true
	m.saves++
	return nil
}

// Saves returns how many times Save was called
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

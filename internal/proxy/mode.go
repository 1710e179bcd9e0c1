// SPDX-License-Identifier: MIT

package proxy

import (
	"fmt"
	"sync/atomic"

	"github.com/frlproxy/frlproxy/internal/config"
)

// ModeHolder is the switchable operating mode shared by the handlers and
// the forwarder. Reads are lock-free.
type ModeHolder struct {
	v atomic.Value
}

// NewModeHolder seeds the holder with the configured mode.
func NewModeHolder(mode string) (*ModeHolder, error) {
	m := &ModeHolder{}
	if err := m.Set(mode); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current operating mode.
func (m *ModeHolder) Get() string {
	return m.v.Load().(string)
}

// Set switches the operating mode. Unknown modes are rejected.
func (m *ModeHolder) Set(mode string) error {
	switch mode {
	case config.ModeConnected, config.ModeIsolated, config.ModePassthrough:
		m.v.Store(mode)
		return nil
	}
	return fmt.Errorf("invalid mode %q (connected|isolated|passthrough)", mode)
}

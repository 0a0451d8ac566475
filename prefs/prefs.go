// Package prefs persists per-application preferences: volume, mute, EQ and
// the preferred output device.
//
// Two stores are provided:
//   - Memory keeps everything in a map, seeded from the YAML config
//   - File keeps a JSON index on disk, written atomically through a temp
//     file and skipped when an entry's checksum did not change
package prefs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/shaban/appmixer/config"
	"github.com/shaban/appmixer/dsp"
)

// App is what is remembered for one application. An empty DeviceUID follows
// the system default output.
type App struct {
	Volume    float32        `json:"volume" yaml:"volume"`
	Muted     bool           `json:"muted" yaml:"muted"`
	EQ        dsp.EQSettings `json:"eq" yaml:"eq"`
	DeviceUID string         `json:"deviceUid,omitempty" yaml:"device,omitempty"`
}

// FollowsDefault reports whether the app has no explicit route.
func (a App) FollowsDefault() bool { return a.DeviceUID == "" }

// Store is the persistence collaborator. Load is called when a session is
// created and Save after every mutation.
type Store interface {
	Load(key string) (App, bool)
	Save(key string, app App) error
}

// checksum fingerprints an entry so unchanged saves can be skipped.
func checksum(a App) string {
	s := fmt.Sprintf("%g|%t|%t|%v|%s", a.Volume, a.Muted, a.EQ.Enabled, a.EQ.Gains, a.DeviceUID)
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Memory keeps preferences in a map.
type Memory struct {
	mu   sync.RWMutex
	apps map[string]App
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{apps: make(map[string]App)}
}

// FromConfig seeds a memory store from the apps section of cfg.
func FromConfig(cfg config.Config) *Memory {
	m := NewMemory()
	for key, app := range cfg.Apps {
		m.apps[key] = Seed(cfg, app)
	}
	return m
}

// Seed converts one configured app into preferences.
func Seed(cfg config.Config, app config.App) App {
	a := App{
		Volume:    cfg.Volume.Default,
		Muted:     app.Muted,
		EQ:        app.EQSettings(),
		DeviceUID: app.Device,
	}
	if app.Volume != nil {
		a.Volume = *app.Volume
	}
	return a
}

// Load implements Store.
func (m *Memory) Load(key string) (App, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[key]
	return a, ok
}

// Save implements Store.
func (m *Memory) Save(key string, app App) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[key] = app
	return nil
}

// Keys returns the stored keys, sorted.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.apps))
	for k := range m.apps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

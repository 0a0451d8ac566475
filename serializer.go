package appmixer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/prefs"
	"github.com/shaban/appmixer/tap"
)

// StateVersion is the mix state format version.
const StateVersion = "1.0.0"

// MixState is the serializable mix: the preferences of every running
// application, keyed by persistence key.
type MixState struct {
	Version   string               `json:"version"`
	Timestamp int64                `json:"timestamp"`
	Apps      map[string]prefs.App `json:"apps"`
}

// Serializer exports and imports the mix of an engine.
type Serializer struct {
	engine  *Engine
	version string
}

// NewSerializer creates a new serializer
func NewSerializer(engine *Engine) *Serializer {
	return &Serializer{
		engine:  engine,
		version: StateVersion,
	}
}

// GetState captures the preferences of every managed application.
func (s *Serializer) GetState() (MixState, error) {
	state := MixState{
		Version:   s.version,
		Timestamp: time.Now().Unix(),
		Apps:      make(map[string]prefs.App),
	}
	e := s.engine
	err := e.dispatcher.run(OpQuery, func() error {
		for _, pid := range e.pids() {
			st := e.appState(pid)
			state.Apps[st.PersistenceKey()] = prefs.App{
				Volume:    st.Volume,
				Muted:     st.Muted,
				EQ:        st.EQ,
				DeviceUID: st.PreferredDevice,
			}
		}
		return nil
	})
	return state, err
}

// SetState applies state. Running applications change immediately; the
// others pick it up from preferences when they appear.
func (s *Serializer) SetState(state MixState) error {
	if err := s.ValidateState(state); err != nil {
		return err
	}
	e := s.engine
	return e.dispatcher.run(OpSetRoute, func() error {
		applied := make(map[string]bool)
		for _, pid := range e.pids() {
			app := e.apps[pid]
			p, ok := state.Apps[app.PersistenceKey()]
			if !ok {
				continue
			}
			applied[app.PersistenceKey()] = true
			if err := e.applyPrefs(pid, p); err != nil {
				return fmt.Errorf("restoring %s: %w", app.PersistenceKey(), err)
			}
		}
		for key, p := range state.Apps {
			if applied[key] {
				continue
			}
			if err := e.prefs.Save(key, p); err != nil {
				return fmt.Errorf("saving %s: %w", key, err)
			}
		}
		return nil
	})
}

// SaveToWriter saves the mix state to a writer (JSON format)
func (s *Serializer) SaveToWriter(writer io.Writer) error {
	state, err := s.GetState()
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ") // Pretty print

	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode mix state: %w", err)
	}
	return nil
}

// LoadFromReader loads mix state from a reader (JSON format)
func (s *Serializer) LoadFromReader(reader io.Reader) error {
	var state MixState

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(&state); err != nil {
		return fmt.Errorf("failed to decode mix state: %w", err)
	}
	return s.SetState(state)
}

// GetVersion returns the current serializer version
func (s *Serializer) GetVersion() string {
	return s.version
}

// IsCompatible checks if a state version is compatible with current serializer
func (s *Serializer) IsCompatible(version string) bool {
	return version == s.version
}

// ValidateState validates the integrity of a mix state: the version, the
// keys, volumes within [0, tap.MaxVolume] and EQ bands within ±12 dB.
func (s *Serializer) ValidateState(state MixState) error {
	if !s.IsCompatible(state.Version) {
		return fmt.Errorf("%w: incompatible state version: got %s, expected %s", ErrInvalidMixState, state.Version, s.version)
	}
	keys := make([]string, 0, len(state.Apps))
	for key := range state.Apps {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		p := state.Apps[key]
		if key == "" {
			errs = append(errs, fmt.Errorf("application without a key"))
			continue
		}
		if math.IsNaN(float64(p.Volume)) || p.Volume < 0 || p.Volume > tap.MaxVolume {
			errs = append(errs, fmt.Errorf("%s: volume %v outside [0, %v]", key, p.Volume, tap.MaxVolume))
		}
		for band, g := range p.EQ.Gains {
			if math.IsNaN(g) || g < dsp.MinBandGainDB || g > dsp.MaxBandGainDB {
				errs = append(errs, fmt.Errorf("%s: eq band %d gain %v outside ±%v dB", key, band, g, dsp.MaxBandGainDB))
			}
		}
		if p.DeviceUID != "" {
			if _, ok := s.engine.catalog.Output(p.DeviceUID); !ok {
				// kept: the device may be reconnected later
				s.engine.log.WithField("device", p.DeviceUID).Debug("mix state routes to an absent device")
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMixState, errors.Join(errs...))
	}
	return nil
}

package config

import (
	"encoding/json"
	"log"
	"time"

	"github.com/quasilyte/gdata"
)

const savedSettingsKey = "sync-settings"

// SavedSettings represents the operator overrides stored on disk. Zero fields
// mean "keep the built-in value".
type SavedSettings struct {
	TickRate        int     `json:"tickRate,omitempty"`
	FreezeTimeoutMs int64   `json:"freezeTimeoutMs,omitempty"`
	LerpSpeed       float64 `json:"lerpSpeed,omitempty"`
	FloatDrag       float64 `json:"floatDrag,omitempty"`
	Broadcast       string  `json:"broadcast,omitempty"`
	NearbyRadius    float64 `json:"nearbyRadius,omitempty"`
	ResyncEvery     int     `json:"resyncEvery,omitempty"`
}

// Store persists SavedSettings under the user's data directory.
type Store struct {
	manager *gdata.Manager
}

// OpenStore initializes the gdata manager for settings storage
func OpenStore(appName string) (*Store, error) {
	m, err := gdata.Open(gdata.Config{
		AppName: appName,
	})
	if err != nil {
		log.Printf("[config] could not initialize persistence: %v", err)
		return nil, err
	}
	return &Store{manager: m}, nil
}

// Load returns nil without error when nothing has been saved yet.
func (s *Store) Load() (*SavedSettings, error) {
	if s == nil || s.manager == nil {
		return nil, nil
	}

	data, err := s.manager.LoadItem(savedSettingsKey)
	if err != nil {
		log.Printf("[config] could not load settings: %v", err)
		return nil, nil
	}
	if data == nil {
		return nil, nil
	}

	var settings SavedSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Printf("[config] could not parse saved settings: %v", err)
		return nil, err
	}
	return &settings, nil
}

func (s *Store) Save(settings *SavedSettings) error {
	if s == nil || s.manager == nil {
		return nil
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := s.manager.SaveItem(savedSettingsKey, data); err != nil {
		log.Printf("[config] could not save settings: %v", err)
		return err
	}
	return nil
}

// Apply overlays the saved overrides on c.
func (saved *SavedSettings) Apply(c SyncConfig) SyncConfig {
	if saved == nil {
		return c
	}
	if saved.TickRate > 0 {
		c.TickRate = saved.TickRate
	}
	if saved.FreezeTimeoutMs > 0 {
		c.FreezeTimeout = time.Duration(saved.FreezeTimeoutMs) * time.Millisecond
	}
	if saved.LerpSpeed > 0 {
		c.LerpSpeed = saved.LerpSpeed
	}
	if saved.FloatDrag > 0 {
		c.FloatDrag = saved.FloatDrag
	}
	if saved.Broadcast != "" {
		c.Broadcast = ParseBroadcastMode(saved.Broadcast)
	}
	if saved.NearbyRadius > 0 {
		c.NearbyRadius = saved.NearbyRadius
	}
	if saved.ResyncEvery > 0 {
		c.ResyncEvery = saved.ResyncEvery
	}
	return c
}

// Snapshot captures c as settings suitable for saving.
func Snapshot(c SyncConfig) *SavedSettings {
	return &SavedSettings{
		TickRate:        c.TickRate,
		FreezeTimeoutMs: c.FreezeTimeout.Milliseconds(),
		LerpSpeed:       c.LerpSpeed,
		FloatDrag:       c.FloatDrag,
		Broadcast:       c.Broadcast.String(),
		NearbyRadius:    c.NearbyRadius,
		ResyncEvery:     c.ResyncEvery,
	}
}

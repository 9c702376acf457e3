package renewal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	serrors "github.com/p-blackswan/domainsync/internal/errors"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

// ConfigKey is the persisted key of the scheduler settings, relative to the
// storage namespace.
const ConfigKey = "proxy_cert_config"

var configValidate = validator.New()

// Config holds the scheduler settings. JSON keys match what the admin UI
// already persists.
type Config struct {
	AutoRenew          bool  `json:"autoRenew" yaml:"autoRenew"`
	RenewThresholdDays int   `json:"renewThreshold" yaml:"renewThreshold" validate:"min=1,max=365"`
	NotificationDays   []int `json:"notificationDays" yaml:"notificationDays" validate:"max=32,dive,min=0,max=365"`
	CheckIntervalMs    int64 `json:"checkInterval" yaml:"checkInterval" validate:"min=1000"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		AutoRenew:          true,
		RenewThresholdDays: 30,
		NotificationDays:   []int{60, 30, 14, 7, 3, 1},
		CheckIntervalMs:    int64(time.Hour / time.Millisecond),
	}
}

// CheckInterval returns the periodic pass interval.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// Notifies reports whether daysLeft is one of the configured notification days.
func (c Config) Notifies(daysLeft int) bool {
	for _, d := range c.NotificationDays {
		if d == daysLeft {
			return true
		}
	}
	return false
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", serrors.ErrInvalidInput, err)
	}
	return nil
}

func (c Config) clone() Config {
	c.NotificationDays = append([]int(nil), c.NotificationDays...)
	return c
}

// ConfigStore is the process-wide holder of the scheduler settings. Readers
// get a copy so a pass always sees one consistent version.
type ConfigStore struct {
	store  kvstore.Store
	key    string
	logger zerolog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewConfigStore creates a store initialised with DefaultConfig.
func NewConfigStore(store kvstore.Store, namespace string, logger zerolog.Logger) *ConfigStore {
	return &ConfigStore{
		store:  store,
		key:    namespace + ConfigKey,
		logger: logger.With().Str("component", "renewal-config").Logger(),
		cfg:    DefaultConfig(),
	}
}

// Load merges the persisted settings over the defaults. When nothing is
// persisted and seedPath names a YAML file, the seed is applied and saved.
func (s *ConfigStore) Load(ctx context.Context, seedPath string) error {
	cfg := DefaultConfig()

	b, err := s.store.Get(ctx, s.key)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(b, &cfg); jerr != nil {
			s.logger.Error().Err(jerr).Msg("Failed to parse scheduler config, using defaults")
			cfg = DefaultConfig()
		}
	case errors.Is(err, kvstore.ErrNotFound):
		if seedPath != "" {
			seeded, serr := loadSeed(seedPath, cfg)
			if serr != nil {
				return serr
			}
			cfg = seeded
			if err := s.persist(ctx, cfg); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to save seeded scheduler config")
			}
		}
	default:
		s.logger.Error().Err(err).Msg("Failed to load scheduler config, using defaults")
	}

	if err := cfg.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("Persisted scheduler config is invalid, using defaults")
		cfg = DefaultConfig()
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info().
		Bool("auto_renew", cfg.AutoRenew).
		Int("renew_threshold_days", cfg.RenewThresholdDays).
		Dur("check_interval", cfg.CheckInterval()).
		Msg("Scheduler config loaded")
	return nil
}

func loadSeed(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read scheduler seed: %w", err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("parse scheduler seed: %w", err)
	}
	return base, nil
}

// Current returns a copy of the active settings.
func (s *ConfigStore) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.clone()
}

// Update validates, applies and persists cfg. A persistence failure is
// returned but the new settings stay active for this process.
func (s *ConfigStore) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.clone()

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	return s.persist(ctx, cfg)
}

// Reset restores and persists the defaults.
func (s *ConfigStore) Reset(ctx context.Context) error {
	return s.Update(ctx, DefaultConfig())
}

func (s *ConfigStore) persist(ctx context.Context, cfg Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.key, b); err != nil {
		return fmt.Errorf("%w: save scheduler config: %w", serrors.ErrStorage, err)
	}
	return nil
}

// Package catalog holds the services the practice sells: their price, the
// package sizes offered and the working-hours window slots are cut from.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

var ErrUnknownService = errors.New("unknown service")

type Service struct {
	Key          string              `json:"key"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	PriceCents   int64               `json:"price_cents"`
	Currency     string              `json:"currency"`
	PackageSizes []int               `json:"package_sizes"`
	Slots        availability.Config `json:"slots"`
}

func (s Service) OffersPackage(quantity int) bool {
	for _, n := range s.PackageSizes {
		if n == quantity {
			return true
		}
	}
	return false
}

type Catalog struct {
	services []Service
	byKey    map[string]int
}

type fileCatalog struct {
	Timezone string              `mapstructure:"timezone"`
	Currency string              `mapstructure:"currency"`
	Defaults availability.Config `mapstructure:"defaults"`
	Services []fileService       `mapstructure:"services"`
}

type fileService struct {
	Key          string    `mapstructure:"key"`
	Name         string    `mapstructure:"name"`
	Description  string    `mapstructure:"description"`
	PriceCents   int64     `mapstructure:"price_cents"`
	Currency     string    `mapstructure:"currency"`
	PackageSizes []int     `mapstructure:"package_sizes"`
	Slots        fileSlots `mapstructure:"slots"`
}

// fileSlots holds per-service overrides. A nil field inherits the catalog
// default, so an explicit 0 (midnight) is still an override.
type fileSlots struct {
	DayStartHour        *int    `mapstructure:"day_start_hour"`
	DayEndHour          *int    `mapstructure:"day_end_hour"`
	SlotDurationMinutes *int    `mapstructure:"slot_duration_minutes"`
	ServiceTimezone     *string `mapstructure:"service_timezone"`
}

func (f fileSlots) over(base availability.Config) availability.Config {
	if f.DayStartHour != nil {
		base.DayStartHour = *f.DayStartHour
	}
	if f.DayEndHour != nil {
		base.DayEndHour = *f.DayEndHour
	}
	if f.SlotDurationMinutes != nil {
		base.SlotDurationMinutes = *f.SlotDurationMinutes
	}
	if f.ServiceTimezone != nil && strings.TrimSpace(*f.ServiceTimezone) != "" {
		base.ServiceTimezone = strings.TrimSpace(*f.ServiceTimezone)
	}
	return base
}

// Load reads the catalog from a YAML file. An empty path, or a path that
// does not exist, yields the built-in catalog. Top level keys can be
// overridden from the environment with a CATALOG_ prefix (CATALOG_TIMEZONE).
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timezone", "America/New_York")
	v.SetDefault("currency", "usd")
	v.SetDefault("defaults.day_start_hour", 9)
	v.SetDefault("defaults.day_end_hour", 18)
	v.SetDefault("defaults.slot_duration_minutes", 60)

	loaded := false
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read catalog %s: %w", path, err)
			}
		} else {
			loaded = true
		}
	}
	if !loaded {
		if err := v.ReadConfig(bytes.NewReader(defaultCatalogYAML)); err != nil {
			return nil, fmt.Errorf("read built-in catalog: %w", err)
		}
	}

	var raw fileCatalog
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return build(raw)
}

func build(raw fileCatalog) (*Catalog, error) {
	if len(raw.Services) == 0 {
		return nil, fmt.Errorf("%w: catalog has no services", availability.ErrInvalidConfiguration)
	}
	c := &Catalog{byKey: make(map[string]int, len(raw.Services))}
	for _, entry := range raw.Services {
		svc, err := entry.resolve(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byKey[svc.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate service key %q", availability.ErrInvalidConfiguration, svc.Key)
		}
		c.byKey[svc.Key] = len(c.services)
		c.services = append(c.services, svc)
	}
	return c, nil
}

func (s fileService) resolve(raw fileCatalog) (Service, error) {
	key := strings.TrimSpace(s.Key)
	if key == "" || strings.TrimSpace(s.Name) == "" {
		return Service{}, fmt.Errorf("%w: service needs a key and a name", availability.ErrInvalidConfiguration)
	}
	if s.PriceCents <= 0 {
		return Service{}, fmt.Errorf("%w: service %q price must be positive", availability.ErrInvalidConfiguration, key)
	}

	sizes := s.PackageSizes
	if len(sizes) == 0 {
		sizes = []int{1}
	}
	for _, n := range sizes {
		if n < 1 {
			return Service{}, fmt.Errorf("%w: service %q package size %d", availability.ErrInvalidConfiguration, key, n)
		}
	}

	base := raw.Defaults
	if base.ServiceTimezone == "" {
		base.ServiceTimezone = raw.Timezone
	}
	slots := s.Slots.over(base)
	if err := slots.Validate(); err != nil {
		return Service{}, fmt.Errorf("service %q: %w", key, err)
	}

	currency := strings.ToLower(strings.TrimSpace(s.Currency))
	if currency == "" {
		currency = strings.ToLower(raw.Currency)
	}

	return Service{
		Key:          key,
		Name:         strings.TrimSpace(s.Name),
		Description:  s.Description,
		PriceCents:   s.PriceCents,
		Currency:     currency,
		PackageSizes: sizes,
		Slots:        slots,
	}, nil
}

func (c *Catalog) Lookup(key string) (Service, error) {
	i, ok := c.byKey[key]
	if !ok {
		return Service{}, fmt.Errorf("%w: %q", ErrUnknownService, key)
	}
	return c.services[i], nil
}

func (c *Catalog) List() []Service {
	out := make([]Service, len(c.services))
	copy(out, c.services)
	return out
}

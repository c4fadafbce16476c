// Package config provides dispatch configuration loaded from a JSON file and
// environment variables.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/xeipuuv/gojsonschema"

	"github.com/machinefabric/halcmd-go"
	"github.com/machinefabric/halcmd-go/metrics"
	"github.com/machinefabric/halcmd-go/wire"
)

const logPrefix = "config:Load"

// EnvPrefix is the prefix of every environment variable.
const EnvPrefix = "HALCMD"

//go:embed schema.json
var schema []byte

// VendorEvent names a vendor (oui, sub-command) pair to subscribe to.
type VendorEvent struct {
	VendorID uint32
	SubCmd   uint32
}

// Decode implements envconfig.Decoder for "oui:subcmd" with either part in
// decimal or 0x-prefixed hex.
func (v *VendorEvent) Decode(value string) error {
	oui, sub, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("vendor event %q: want oui:subcmd", value)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(oui), 0, 32)
	if err != nil {
		return fmt.Errorf("vendor event %q: oui: %w", value, err)
	}
	sc, err := strconv.ParseUint(strings.TrimSpace(sub), 0, 32)
	if err != nil {
		return fmt.Errorf("vendor event %q: subcmd: %w", value, err)
	}
	v.VendorID = uint32(id)
	v.SubCmd = uint32(sc)
	return nil
}

// UnmarshalJSON accepts the same "oui:subcmd" form as the environment.
func (v *VendorEvent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return v.Decode(s)
}

// String returns the "0xoui:0xsubcmd" form.
func (v VendorEvent) String() string {
	return fmt.Sprintf("0x%06x:0x%x", v.VendorID, v.SubCmd)
}

// Key returns the dispatch key of the event.
func (v VendorEvent) Key() halcmd.DispatchKey {
	return halcmd.VendorKey(v.VendorID, v.SubCmd)
}

// Duration is a time.Duration that reads "4s"-style strings from JSON.
type Duration time.Duration

// UnmarshalJSON parses a Go duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds dispatch configuration.
type Config struct {
	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" json:"log_level"`

	// Fragmented exchanges
	FragmentTimeout time.Duration `envconfig:"FRAGMENT_TIMEOUT" default:"4s" json:"fragment_timeout"`
	MaxFragments    int           `envconfig:"MAX_FRAGMENTS" default:"256" json:"max_fragments"`
	MaxElements     int           `envconfig:"MAX_ELEMENTS" default:"65536" json:"max_elements"`

	// Table capacities, 0 = unbounded
	MaxCommands      int `envconfig:"MAX_COMMANDS" default:"0" json:"max_commands"`
	MaxSubscriptions int `envconfig:"MAX_SUBSCRIPTIONS" default:"0" json:"max_subscriptions"`

	// Stream transport
	MaxFrame int `envconfig:"MAX_FRAME" default:"3670016" json:"max_frame"`

	// Netlink
	Family       string        `envconfig:"FAMILY" default:"nl80211" json:"family"`
	Groups       []string      `envconfig:"GROUPS" default:"scan,mlme,regulatory,vendor" json:"groups"`
	VendorEvents []VendorEvent `envconfig:"VENDOR_EVENTS" json:"vendor_events"`

	// Metrics endpoint, empty disables it
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9464" json:"metrics_addr"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// LoadFile reads a JSON document, validates it against the embedded schema
// and applies it over the defaults. Environment variables that are set
// override the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return Parse(data)
}

// Parse is LoadFile for an in-memory document.
func Parse(data []byte) (*Config, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}

	c, err := Load()
	if err != nil {
		return nil, err
	}
	infos, err := envconfig.Gather(EnvPrefix, c)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	for _, info := range infos {
		if envSet(info.Key) || (info.Alt != "" && envSet(info.Alt)) {
			continue
		}
		raw, ok := doc[jsonName(info.Tags)]
		if !ok {
			continue
		}
		if err := decodeField(info.Field, raw); err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, jsonName(info.Tags), err)
		}
	}
	return c, nil
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func jsonName(tags reflect.StructTag) string {
	name, _, _ := strings.Cut(tags.Get("json"), ",")
	return name
}

func decodeField(field reflect.Value, raw json.RawMessage) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		var d Duration
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	return json.Unmarshal(raw, field.Addr().Interface())
}

// ValidateDocument checks a JSON document against the embedded schema.
func ValidateDocument(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("%s - invalid config document: %w", logPrefix, err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, fmt.Sprintf("  - %s", desc))
		}
		return fmt.Errorf("%s - config does not match schema:\n%s", logPrefix, strings.Join(details, "\n"))
	}
	return nil
}

// Validate checks the values for consistency.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%s - %w", logPrefix, err)
	}
	if c.FragmentTimeout <= 0 {
		return fmt.Errorf("%s - %s_FRAGMENT_TIMEOUT must be positive", logPrefix, EnvPrefix)
	}
	if c.MaxFragments < 0 || c.MaxElements < 0 {
		return fmt.Errorf("%s - fragment limits must not be negative", logPrefix)
	}
	if c.MaxCommands < 0 || c.MaxSubscriptions < 0 {
		return fmt.Errorf("%s - table capacities must not be negative", logPrefix)
	}
	if c.MaxFrame <= 0 {
		return fmt.Errorf("%s - %s_MAX_FRAME must be positive", logPrefix, EnvPrefix)
	}
	if c.Family == "" {
		return fmt.Errorf("%s - %s_FAMILY is required", logPrefix, EnvPrefix)
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// DispatchOptions returns dispatch context options for this configuration.
func (c *Config) DispatchOptions(logger *slog.Logger, m *metrics.Collector) halcmd.Options {
	return halcmd.Options{
		Logger:           logger,
		Metrics:          m,
		MaxCommands:      c.MaxCommands,
		MaxSubscriptions: c.MaxSubscriptions,
		FragmentTimeout:  c.FragmentTimeout,
		Limits: halcmd.FragmentLimits{
			MaxFragments: c.MaxFragments,
			MaxElements:  c.MaxElements,
		},
	}
}

// WireLimits returns the frame limits offered by stream transports.
func (c *Config) WireLimits() wire.Limits {
	return wire.Limits{MaxFrame: c.MaxFrame}
}

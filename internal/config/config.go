// Package config reads the server settings from the environment and the
// grid layout from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config is the runtime configuration.
type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	Matcher      string
	SimulationID string

	TickInterval time.Duration
	TicksPerSlot int
	SlotLength   time.Duration
	SlotCount    int
	MinOfferAge  int

	GridFile string
	LogLevel slog.Level
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return Parse(os.Getenv)
}

// Parse reads the configuration through getenv. Unset values take their
// defaults.
func Parse(getenv func(string) string) (*Config, error) {
	c := &Config{
		Port:         withDefault(getenv("PORT"), "8080"),
		DatabaseURL:  getenv("DATABASE_URL"),
		RedisURL:     getenv("REDIS_URL"),
		KafkaTopic:   withDefault(getenv("KAFKA_TOPIC"), "gsy-trades"),
		Matcher:      withDefault(getenv("MATCHER"), "internal"),
		SimulationID: getenv("SIMULATION_ID"),
		GridFile:     getenv("GRID_FILE"),
	}
	if brokers := getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}
	if c.SimulationID == "" {
		c.SimulationID = uuid.NewString()
	}

	var errs []error
	c.TickInterval = duration(getenv, "TICK_INTERVAL", time.Second, &errs)
	c.SlotLength = duration(getenv, "SLOT_LENGTH", 15*time.Minute, &errs)
	c.TicksPerSlot = integer(getenv, "TICKS_PER_SLOT", 15, &errs)
	c.SlotCount = integer(getenv, "SLOT_COUNT", 4, &errs)
	c.MinOfferAge = integer(getenv, "MIN_OFFER_AGE", 1, &errs)

	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		if err := c.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.Matcher {
	case "internal", "pay_as_bid", "external":
	default:
		return fmt.Errorf("MATCHER: unknown matcher %q", c.Matcher)
	}
	if c.TicksPerSlot < 1 {
		return errors.New("TICKS_PER_SLOT must be at least 1")
	}
	if c.SlotCount < 1 {
		return errors.New("SLOT_COUNT must be at least 1")
	}
	if c.MinOfferAge < 0 {
		return errors.New("MIN_OFFER_AGE must not be negative")
	}
	if c.TickInterval < 0 || c.SlotLength <= 0 {
		return errors.New("TICK_INTERVAL must not be negative and SLOT_LENGTH must be positive")
	}
	return nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func duration(getenv func(string) string, key string, def time.Duration, errs *[]error) time.Duration {
	v := getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func integer(getenv func(string) string, key string, def int, errs *[]error) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

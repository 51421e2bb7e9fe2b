package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse(env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Port != "8080" || c.Matcher != "internal" || c.KafkaTopic != "gsy-trades" {
		t.Errorf("unexpected defaults %+v", c)
	}
	if c.TickInterval != time.Second || c.SlotLength != 15*time.Minute {
		t.Errorf("unexpected durations tick=%s slot=%s", c.TickInterval, c.SlotLength)
	}
	if c.TicksPerSlot != 15 || c.SlotCount != 4 || c.MinOfferAge != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
	if c.SimulationID == "" {
		t.Error("simulation id should be generated")
	}
	if c.LogLevel != slog.LevelInfo {
		t.Errorf("expected info level, got %s", c.LogLevel)
	}
}

func TestParse_Overrides(t *testing.T) {
	c, err := Parse(env(map[string]string{
		"PORT":           "9000",
		"MATCHER":        "external",
		"SIMULATION_ID":  "run-7",
		"KAFKA_BROKERS":  "k1:9092, k2:9092,",
		"TICK_INTERVAL":  "250ms",
		"TICKS_PER_SLOT": "4",
		"MIN_OFFER_AGE":  "0",
		"LOG_LEVEL":      "debug",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Port != "9000" || c.Matcher != "external" || c.SimulationID != "run-7" {
		t.Errorf("overrides not applied: %+v", c)
	}
	if len(c.KafkaBrokers) != 2 || c.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", c.KafkaBrokers)
	}
	if c.TickInterval != 250*time.Millisecond || c.TicksPerSlot != 4 || c.MinOfferAge != 0 {
		t.Errorf("unexpected timing %+v", c)
	}
	if c.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %s", c.LogLevel)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vals map[string]string
	}{
		{"bad duration", map[string]string{"TICK_INTERVAL": "soon"}},
		{"bad int", map[string]string{"SLOT_COUNT": "many"}},
		{"unknown matcher", map[string]string{"MATCHER": "clearing"}},
		{"zero ticks", map[string]string{"TICKS_PER_SLOT": "0"}},
		{"negative age", map[string]string{"MIN_OFFER_AGE": "-1"}},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(env(tt.vals)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultGrid_Tree(t *testing.T) {
	tr, err := DefaultGrid.Tree()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.MarketAreas()) != 3 {
		t.Errorf("expected 3 market areas, got %d", len(tr.MarketAreas()))
	}
	if len(tr.Edges()) != 2 {
		t.Errorf("expected 2 edges, got %d", len(tr.Edges()))
	}
	pv, ok := tr.Lookup("H2 PV")
	if !ok || len(pv.Orders) != 1 || pv.Orders[0].EnergyType != "PV" {
		t.Errorf("unexpected PV node %+v", pv)
	}
}

const gridYAML = `
name: Grid
children:
  - name: House
    children:
      - name: Load
        orders:
          - side: bid
            energy: 1.5
            rate: 30
      - name: PV
        orders:
          - side: offer
            energy: 2
            rate: 10
            energy_type: PV
            at_tick: 1
`

func TestLoadGrid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.yaml")
	if err := os.WriteFile(path, []byte(gridYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadGrid(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tr, err := c.Tree()
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	pv, _ := tr.Lookup("PV")
	if pv.Orders[0].AtTick != 1 || pv.Orders[0].Energy.String() != "2" {
		t.Errorf("unexpected PV orders %+v", pv.Orders)
	}
	house, _ := tr.Lookup("House")
	if len(house.Children) != 2 {
		t.Errorf("expected 2 devices in house, got %d", len(house.Children))
	}
}

func TestTree_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  AreaConfig
	}{
		{"unnamed root", AreaConfig{}},
		{"root orders", AreaConfig{Name: "Grid", Orders: []OrderConfig{{Side: "bid", Energy: 1}}}},
		{"duplicate", AreaConfig{Name: "Grid", Children: []AreaConfig{{Name: "A"}, {Name: "A"}}}},
		{"bad side", AreaConfig{Name: "Grid", Children: []AreaConfig{{Name: "A", Orders: []OrderConfig{{Side: "swap", Energy: 1}}}}}},
		{"zero energy", AreaConfig{Name: "Grid", Children: []AreaConfig{{Name: "A", Orders: []OrderConfig{{Side: "bid"}}}}}},
		{"orders on parent", AreaConfig{Name: "Grid", Children: []AreaConfig{{
			Name:     "House",
			Orders:   []OrderConfig{{Side: "bid", Energy: 1}},
			Children: []AreaConfig{{Name: "Load"}},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cfg.Tree(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dog-ball/gsy-e/internal/area"
)

// AreaConfig is the on-disk shape of one area (YAML). Areas nest through
// children.
type AreaConfig struct {
	Name     string        `yaml:"name"`
	Children []AreaConfig  `yaml:"children"`
	Orders   []OrderConfig `yaml:"orders"`
}

// OrderConfig is an order a device places every slot. Rate is the unit
// price; energy is in kWh.
type OrderConfig struct {
	Side       string  `yaml:"side"`
	Energy     float64 `yaml:"energy"`
	Rate       float64 `yaml:"rate"`
	EnergyType string  `yaml:"energy_type"`
	AtTick     int     `yaml:"at_tick"`
}

// DefaultGrid mirrors a two-house setup: loads and storage in House 1, a
// load and PV in House 2, and a cell tower on the grid.
var DefaultGrid = AreaConfig{
	Name: "Grid",
	Children: []AreaConfig{
		{
			Name: "House 1",
			Children: []AreaConfig{
				{Name: "H1 General Load", Orders: []OrderConfig{{Side: area.SideBid, Energy: 0.2, Rate: 35}}},
				{Name: "H1 Storage1", Orders: []OrderConfig{{Side: area.SideOffer, Energy: 0.1, Rate: 28, EnergyType: "Storage"}}},
				{Name: "H1 Storage2", Orders: []OrderConfig{{Side: area.SideBid, Energy: 0.1, Rate: 12, AtTick: 2}}},
			},
		},
		{
			Name: "House 2",
			Children: []AreaConfig{
				{Name: "H2 General Load", Orders: []OrderConfig{{Side: area.SideBid, Energy: 0.2, Rate: 35}}},
				{Name: "H2 PV", Orders: []OrderConfig{{Side: area.SideOffer, Energy: 0.16, Rate: 30, EnergyType: "PV"}}},
			},
		},
		{Name: "Cell Tower", Orders: []OrderConfig{{Side: area.SideBid, Energy: 0.1, Rate: 35}}},
	},
}

// LoadGrid reads a grid layout from path.
func LoadGrid(path string) (*AreaConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c AreaConfig
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("grid %s: %w", path, err)
	}
	return &c, nil
}

// Tree validates the layout and builds the area arena from it.
func (c *AreaConfig) Tree() (*area.Tree, error) {
	if c.Name == "" {
		return nil, errors.New("grid: root area needs a name")
	}
	if len(c.Orders) > 0 {
		return nil, errors.New("grid: the root area cannot place orders")
	}
	t := area.New(c.Name)

	type pending struct {
		cfg    *AreaConfig
		parent int
	}
	stack := make([]pending, 0, len(c.Children))
	for i := len(c.Children) - 1; i >= 0; i-- {
		stack = append(stack, pending{&c.Children[i], 0})
	}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.cfg.Name == "" {
			return nil, fmt.Errorf("grid: unnamed area under %q", t.Node(p.parent).Name)
		}
		if len(p.cfg.Children) > 0 && len(p.cfg.Orders) > 0 {
			return nil, fmt.Errorf("grid: area %q has children and cannot place orders", p.cfg.Name)
		}
		orders, err := p.cfg.orders()
		if err != nil {
			return nil, err
		}
		idx, err := t.Add(p.cfg.Name, p.parent, orders...)
		if err != nil {
			return nil, fmt.Errorf("grid: %w", err)
		}
		for i := len(p.cfg.Children) - 1; i >= 0; i-- {
			stack = append(stack, pending{&p.cfg.Children[i], idx})
		}
	}
	return t, nil
}

func (c *AreaConfig) orders() ([]area.Order, error) {
	out := make([]area.Order, 0, len(c.Orders))
	for i, o := range c.Orders {
		if o.Side != area.SideOffer && o.Side != area.SideBid {
			return nil, fmt.Errorf("grid: area %q order %d: side must be offer or bid, got %q", c.Name, i, o.Side)
		}
		if o.Energy <= 0 || o.Rate < 0 {
			return nil, fmt.Errorf("grid: area %q order %d: energy must be positive and rate not negative", c.Name, i)
		}
		if o.AtTick < 0 {
			return nil, fmt.Errorf("grid: area %q order %d: at_tick must not be negative", c.Name, i)
		}
		out = append(out, area.Order{
			Side:       o.Side,
			Energy:     decimal.NewFromFloat(o.Energy),
			Rate:       decimal.NewFromFloat(o.Rate),
			EnergyType: o.EnergyType,
			AtTick:     o.AtTick,
		})
	}
	return out, nil
}

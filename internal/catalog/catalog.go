// Package catalog holds the parameter contracts every tool must publish
// before the pipeline will validate or execute a call to it.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Family groups tools that share a result-verification policy
type Family string

const (
	FamilyColorRemoval      Family = "color-removal"
	FamilyRecolor           Family = "recolor"
	FamilyBackgroundRemoval Family = "background-removal"
	FamilyUpscale           Family = "upscale"
	FamilyTextureMask       Family = "texture-mask"
	FamilyInfo              Family = "info"
)

var knownFamilies = map[Family]bool{
	FamilyColorRemoval:      true,
	FamilyRecolor:           true,
	FamilyBackgroundRemoval: true,
	FamilyUpscale:           true,
	FamilyTextureMask:       true,
	FamilyInfo:              true,
}

// ParamType is the declared type of a tool parameter
type ParamType string

const (
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeString  ParamType = "string"
	TypeBoolean ParamType = "boolean"
	TypeColor   ParamType = "color" // string parsed by pixel.ParseColor
)

// Invariant is a structural promise about a tool's output
type Invariant string

const (
	InvariantPreservesDimensions Invariant = "preserves_dimensions"
	InvariantIncreasesDimensions Invariant = "increases_dimensions"
	InvariantAddsTransparency    Invariant = "adds_transparency"
	InvariantReturnsInput        Invariant = "returns_input"
)

// Param is one declared parameter
type Param struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Description string    `yaml:"description" json:"description"`
	Required    bool      `yaml:"required" json:"required"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Enum        []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	MustExist   bool      `yaml:"must_exist" json:"mustExist"` // color must occur in the image
}

// Spec is a tool contract
type Spec struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Family      Family      `yaml:"family" json:"family"`
	Params      []Param     `yaml:"params" json:"params"`
	Invariants  []Invariant `yaml:"invariants" json:"invariants"`
}

// Param looks up a declared parameter by name
func (s *Spec) Param(name string) (*Param, bool) {
	for i := range s.Params {
		if s.Params[i].Name == name {
			return &s.Params[i], true
		}
	}
	return nil, false
}

// ProducesImage reports whether the tool's output image feeds later calls
func (s *Spec) ProducesImage() bool {
	return s.Family != FamilyInfo
}

// Has reports whether the spec declares the invariant
func (s *Spec) Has(inv Invariant) bool {
	for _, v := range s.Invariants {
		if v == inv {
			return true
		}
	}
	return false
}

func (s *Spec) validate() error {
	if s.Name == "" {
		return errors.New("tool name is required")
	}
	if !knownFamilies[s.Family] {
		return fmt.Errorf("tool %s: unknown family %q", s.Name, s.Family)
	}
	seen := map[string]bool{}
	for _, p := range s.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter without name", s.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %s", s.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case TypeNumber, TypeInteger, TypeString, TypeBoolean, TypeColor:
		default:
			return fmt.Errorf("tool %s: parameter %s has unknown type %q", s.Name, p.Name, p.Type)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("tool %s: parameter %s has min > max", s.Name, p.Name)
		}
		if p.MustExist && p.Type != TypeColor {
			return fmt.Errorf("tool %s: must_exist only applies to color parameters (%s)", s.Name, p.Name)
		}
	}
	return nil
}

// Catalog is the set of registered tool contracts. Safe for concurrent reads;
// tools are registered at startup.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// New builds a catalog from specs, rejecting malformed or duplicate contracts
func New(specs ...Spec) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]*Spec, len(specs))}
	for _, s := range specs {
		if err := c.Register(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Default returns a catalog of the built-in tool contracts
func Default() *Catalog {
	c, err := New(BuiltinSpecs()...)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Register adds one contract
func (c *Catalog) Register(s Spec) error {
	if err := s.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.specs[s.Name]; exists {
		return fmt.Errorf("tool %s is already registered", s.Name)
	}
	spec := s
	c.specs[s.Name] = &spec
	return nil
}

type fileFormat struct {
	Tools []Spec `yaml:"tools"`
}

// LoadFile registers every contract published in a YAML file
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	for _, s := range f.Tools {
		if err := c.Register(s); err != nil {
			return fmt.Errorf("catalog file %s: %w", path, err)
		}
	}
	return nil
}

// Lookup returns the contract for a tool
func (c *Catalog) Lookup(name string) (*Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[name]
	return s, ok
}

// Names returns registered tool names in sorted order
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.specs))
	for n := range c.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns all contracts sorted by name
func (c *Catalog) Specs() []*Spec {
	names := c.Names()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Spec, 0, len(names))
	for _, n := range names {
		out = append(out, c.specs[n])
	}
	return out
}

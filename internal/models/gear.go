package models

import (
	"sort"
	"time"
)

// GearCategory classifies a gear; analysis gears write into an analysis container
type GearCategory string

const (
	CategoryConverter GearCategory = "converter"
	CategoryUtility   GearCategory = "utility"
	CategoryAnalysis  GearCategory = "analysis"
)

// GearInputBase is the kind of value a gear input accepts
type GearInputBase string

const (
	InputBaseFile    GearInputBase = "file"
	InputBaseContext GearInputBase = "context"
)

// GearInput declares one gear input. Schema is a JSON schema applied to the
// candidate file document (name, type, classification, ...).
type GearInput struct {
	Base        GearInputBase  `json:"base"`
	Optional    bool           `json:"optional,omitempty"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Gear is the manifest of an executable unit
type Gear struct {
	ID       string                    `json:"id,omitempty"`
	Name     string                    `json:"name"`
	Version  string                    `json:"version"`
	Category GearCategory              `json:"category"`
	Image    string                    `json:"image"`
	Command  string                    `json:"command,omitempty"`
	Inputs   map[string]GearInput      `json:"inputs"`
	Config   map[string]map[string]any `json:"config,omitempty"`
	Created  time.Time                 `json:"created"`
}

// FileInputNames returns the names of file inputs in sorted order
func (g *Gear) FileInputNames() []string {
	var names []string
	for name, in := range g.Inputs {
		if in.Base == InputBaseFile {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// IsAnalysis reports whether jobs of this gear need an analysis container
func (g *Gear) IsAnalysis() bool {
	return g.Category == CategoryAnalysis
}

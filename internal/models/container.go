package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ContainerKind is the type of a hierarchy node
type ContainerKind string

const (
	KindGroup       ContainerKind = "group"
	KindProject     ContainerKind = "project"
	KindSession     ContainerKind = "session"
	KindAcquisition ContainerKind = "acquisition"
	KindCollection  ContainerKind = "collection"
	KindAnalysis    ContainerKind = "analysis"
)

// ContainerKinds lists every kind the store knows about
var ContainerKinds = []ContainerKind{
	KindGroup, KindProject, KindSession, KindAcquisition, KindCollection, KindAnalysis,
}

// ParseContainerKind accepts both singular and plural forms ("sessions")
func ParseContainerKind(s string) (ContainerKind, error) {
	s = strings.ToLower(s)
	for _, k := range ContainerKinds {
		if string(k) == s || k.Plural() == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown container kind %q", s)
}

// Plural returns the collection name used in URIs
func (k ContainerKind) Plural() string {
	if k == KindAnalysis {
		return "analyses"
	}
	return string(k) + "s"
}

// ContainerReference points at a container
type ContainerReference struct {
	Type ContainerKind `json:"type"`
	ID   string        `json:"id"`
}

func (r ContainerReference) String() string {
	return string(r.Type) + "/" + r.ID
}

// FileReference points at one file inside a container
type FileReference struct {
	Type ContainerKind `json:"type"`
	ID   string        `json:"id"`
	Name string        `json:"name"`
}

func (r FileReference) String() string {
	return string(r.Type) + "/" + r.ID + "/" + r.Name
}

// Container returns the reference of the container holding the file
func (r FileReference) Container() ContainerReference {
	return ContainerReference{Type: r.Type, ID: r.ID}
}

// File is a file entry stored on a container
type File struct {
	Name           string              `json:"name"`
	Type           string              `json:"type,omitempty"`
	Mimetype       string              `json:"mimetype,omitempty"`
	Size           int64               `json:"size,omitempty"`
	Hash           string              `json:"hash,omitempty"`
	Classification map[string][]string `json:"classification,omitempty"`
	Info           map[string]any      `json:"info,omitempty"`
	Modified       time.Time           `json:"modified,omitempty"`
}

// Document returns the file as a generic JSON document for schema checks
func (f File) Document() (map[string]any, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// AccessLevel is a permission level on a container
type AccessLevel string

const (
	AccessReadOnly  AccessLevel = "ro"
	AccessReadWrite AccessLevel = "rw"
	AccessAdmin     AccessLevel = "admin"
)

// Rank orders access levels; unknown levels rank below read-only
func (a AccessLevel) Rank() int {
	switch a {
	case AccessReadOnly:
		return 1
	case AccessReadWrite:
		return 2
	case AccessAdmin:
		return 3
	}
	return 0
}

// Permission grants a user an access level on a container
type Permission struct {
	ID     string      `json:"id"`
	Access AccessLevel `json:"access"`
}

// Container is a node of the hierarchy holding files and permissions
type Container struct {
	ID          string              `json:"id"`
	Kind        ContainerKind       `json:"kind"`
	Label       string              `json:"label,omitempty"`
	Group       string              `json:"group,omitempty"`
	Project     string              `json:"project,omitempty"`
	Session     string              `json:"session,omitempty"`
	Parent      *ContainerReference `json:"parent,omitempty"`
	Files       []File              `json:"files"`
	Permissions []Permission        `json:"permissions,omitempty"`

	// Analysis containers only.
	JobID  string          `json:"job,omitempty"`
	Inputs []FileReference `json:"inputs,omitempty"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Reference returns a pointer at this container
func (c *Container) Reference() ContainerReference {
	return ContainerReference{Type: c.Kind, ID: c.ID}
}

// FindFile returns the file with the given name
func (c *Container) FindFile(name string) (*File, bool) {
	for i := range c.Files {
		if c.Files[i].Name == name {
			return &c.Files[i], true
		}
	}
	return nil, false
}

// UpsertFile replaces the file with the same name or appends it
func (c *Container) UpsertFile(f File) {
	for i := range c.Files {
		if c.Files[i].Name == f.Name {
			c.Files[i] = f
			return
		}
	}
	c.Files = append(c.Files, f)
}

// Copy returns a copy whose file list can be changed independently
func (c *Container) Copy() *Container {
	cp := *c
	cp.Files = append([]File(nil), c.Files...)
	cp.Permissions = append([]Permission(nil), c.Permissions...)
	cp.Inputs = append([]FileReference(nil), c.Inputs...)
	return &cp
}

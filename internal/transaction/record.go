// Package transaction holds the state an installation keeps between runs: the
// lock on the target directory and the installation record.
//
// The record lists every installed component with the operations that installed
// it, so a later run can update or remove it without the original repositories.
// It is written atomically to <target>/.setupkit/installation.json and embedded
// in the maintenance tool.
package transaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
)

const (
	// StateDir is the directory inside the target holding installer state.
	StateDir = ".setupkit"
	// RecordFile is the record file name inside StateDir.
	RecordFile = "installation.json"

	recordFormatVersion = 1
)

// InstalledComponent is one entry of the record.
type InstalledComponent struct {
	ID               string                 `json:"id"`
	Version          string                 `json:"version"`
	DisplayName      string                 `json:"display_name,omitempty"`
	Reason           component.Reason       `json:"reason"`
	Dependencies     []component.Dependency `json:"dependencies,omitempty"`
	AutoDependOn     []string               `json:"auto_depend_on,omitempty"`
	Virtual          bool                   `json:"virtual,omitempty"`
	Checkable        bool                   `json:"checkable"`
	UncompressedSize int64                  `json:"uncompressed_size,omitempty"`
	CompressedSize   int64                  `json:"compressed_size,omitempty"`
	Installed        time.Time              `json:"installed"`
	Operations       []*operation.Operation `json:"operations,omitempty"`
}

// Record is the persisted installation state of one target directory.
type Record struct {
	Version            int                   `json:"version"`
	ID                 string                `json:"id"`
	ApplicationName    string                `json:"application_name"`
	ApplicationVersion string                `json:"application_version,omitempty"`
	TargetDir          string                `json:"target_dir"`
	Updated            time.Time             `json:"updated"`
	Components         []*InstalledComponent `json:"components"`
}

// NewRecord creates an empty record.
func NewRecord(name, version, targetDir string) *Record {
	return &Record{
		Version:            recordFormatVersion,
		ID:                 uuid.NewString(),
		ApplicationName:    name,
		ApplicationVersion: version,
		TargetDir:          targetDir,
		Components:         []*InstalledComponent{},
	}
}

// RecordPath returns the record location for a target directory.
func RecordPath(targetDir string) string {
	return filepath.Join(targetDir, StateDir, RecordFile)
}

// LoadRecord reads a record file. A missing file is reported with an error
// matching os.ErrNotExist.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read installation record: %w", err)
	}
	return DecodeRecord(data)
}

// DecodeRecord parses a record.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal installation record: %w", err)
	}
	if r.Version != recordFormatVersion {
		return nil, fmt.Errorf("unsupported installation record version %d", r.Version)
	}
	if r.Components == nil {
		r.Components = []*InstalledComponent{}
	}
	return &r, nil
}

// Marshal encodes the record.
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal installation record: %w", err)
	}
	return data, nil
}

// Save writes the record to path atomically.
func (r *Record) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	data, err := r.Marshal()
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temporary record file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename record file: %w", err)
	}

	df, err := os.Open(dir)
	if err == nil {
		if syncErr := df.Sync(); syncErr != nil {
			df.Close()
			return fmt.Errorf("sync directory: %w", syncErr)
		}
		df.Close()
	}
	return nil
}

// Get returns the installed component with id.
func (r *Record) Get(id string) (*InstalledComponent, bool) {
	for _, c := range r.Components {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Put adds or replaces an installed component, keeping the list sorted by ID.
func (r *Record) Put(c *InstalledComponent) {
	for i, existing := range r.Components {
		if existing.ID == c.ID {
			r.Components[i] = c
			return
		}
	}
	r.Components = append(r.Components, c)
	sort.Slice(r.Components, func(i, j int) bool { return r.Components[i].ID < r.Components[j].ID })
}

// Remove drops id from the record.
func (r *Record) Remove(id string) {
	for i, c := range r.Components {
		if c.ID == id {
			r.Components = append(r.Components[:i], r.Components[i+1:]...)
			return
		}
	}
}

// Installed returns the resolver view of the record.
func (r *Record) Installed() map[string]component.Installed {
	m := make(map[string]component.Installed, len(r.Components))
	for _, c := range r.Components {
		m[c.ID] = component.Installed{Version: c.Version, Reason: c.Reason}
	}
	return m
}

// Universe returns the installed components as a universe. Uninstall resolves
// against it so removal needs no repository.
func (r *Record) Universe() (*component.Universe, error) {
	comps := make([]*component.Component, 0, len(r.Components))
	for _, c := range r.Components {
		comps = append(comps, c.Component())
	}
	return component.NewUniverse(comps)
}

// Component converts the entry back to a component.
func (c *InstalledComponent) Component() *component.Component {
	return &component.Component{
		ID:               c.ID,
		DisplayName:      c.DisplayName,
		Version:          c.Version,
		Dependencies:     c.Dependencies,
		AutoDependOn:     c.AutoDependOn,
		Virtual:          c.Virtual,
		Checkable:        c.Checkable,
		UncompressedSize: c.UncompressedSize,
		CompressedSize:   c.CompressedSize,
	}
}

// NewInstalledComponent builds a record entry for comp installed by ops.
func NewInstalledComponent(comp *component.Component, reason component.Reason, ops []*operation.Operation, at time.Time) *InstalledComponent {
	return &InstalledComponent{
		ID:               comp.ID,
		Version:          comp.Version,
		DisplayName:      comp.DisplayName,
		Reason:           reason,
		Dependencies:     comp.Dependencies,
		AutoDependOn:     comp.AutoDependOn,
		Virtual:          comp.Virtual,
		Checkable:        comp.Checkable,
		UncompressedSize: comp.UncompressedSize,
		CompressedSize:   comp.CompressedSize,
		Installed:        at.UTC(),
		Operations:       ops,
	}
}

// Package repository reads Updates.xml metadata from one or more repositories and
// merges it into a component universe.
package repository

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
)

// MetadataFile is the name of the metadata document at a repository root.
const MetadataFile = "Updates.xml"

// releaseDateLayout is the ISO date used by ReleaseDate.
const releaseDateLayout = "2006-01-02"

// ParseError reports malformed repository metadata.
type ParseError struct {
	Repository string
	Package    string
	Field      string
	Message    string
	Cause      error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse ")
	b.WriteString(MetadataFile)
	if e.Repository != "" {
		fmt.Fprintf(&b, " from %s", e.Repository)
	}
	if e.Package != "" {
		fmt.Fprintf(&b, ": package %s", e.Package)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Cause }

type updatesXML struct {
	XMLName            xml.Name           `xml:"Updates"`
	ApplicationName    string             `xml:"ApplicationName"`
	ApplicationVersion string             `xml:"ApplicationVersion"`
	Packages           []packageUpdateXML `xml:"PackageUpdate"`
}

type packageUpdateXML struct {
	Name                 string       `xml:"Name"`
	DisplayName          string       `xml:"DisplayName"`
	Description          string       `xml:"Description"`
	Version              string       `xml:"Version"`
	ReleaseDate          string       `xml:"ReleaseDate"`
	Dependencies         string       `xml:"Dependencies"`
	AutoDependOn         string       `xml:"AutoDependOn"`
	Virtual              string       `xml:"Virtual"`
	Checkable            string       `xml:"Checkable"`
	Script               scriptXML    `xml:"Script"`
	DownloadableArchives string       `xml:"DownloadableArchives"`
	Archives             []archiveXML `xml:"Archive"`
	UpdateFile           struct {
		CompressedSize   int64 `xml:"CompressedSize,attr"`
		UncompressedSize int64 `xml:"UncompressedSize,attr"`
	} `xml:"UpdateFile"`
}

type scriptXML struct {
	Name   string `xml:",chardata"`
	SHA256 string `xml:"SHA256,attr"`
}

type archiveXML struct {
	Name   string `xml:"Name,attr"`
	SHA256 string `xml:"SHA256,attr"`
	Size   int64  `xml:"Size,attr"`
}

// Metadata is the parsed content of one repository.
type Metadata struct {
	URL                string
	ApplicationName    string
	ApplicationVersion string
	Components         []*component.Component
}

// Parse decodes Updates.xml published at baseURL. Every component it returns lists
// baseURL as its only source.
func Parse(r io.Reader, baseURL string) (*Metadata, error) {
	var doc updatesXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &ParseError{Repository: baseURL, Message: "invalid XML", Cause: err}
	}

	meta := &Metadata{
		URL:                baseURL,
		ApplicationName:    strings.TrimSpace(doc.ApplicationName),
		ApplicationVersion: strings.TrimSpace(doc.ApplicationVersion),
	}

	seen := make(map[string]bool, len(doc.Packages))
	for i := range doc.Packages {
		c, err := toComponent(&doc.Packages[i], baseURL)
		if err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, &ParseError{Repository: baseURL, Package: c.ID, Message: "listed more than once"}
		}
		seen[c.ID] = true
		meta.Components = append(meta.Components, c)
	}
	return meta, nil
}

func toComponent(p *packageUpdateXML, baseURL string) (*component.Component, error) {
	name := strings.TrimSpace(p.Name)
	fail := func(field, msg string, cause error) error {
		return &ParseError{Repository: baseURL, Package: name, Field: field, Message: msg, Cause: cause}
	}

	if name == "" {
		return nil, fail("Name", "missing", nil)
	}
	version := strings.TrimSpace(p.Version)
	if version == "" {
		return nil, fail("Version", "missing", nil)
	}
	if err := component.ValidateVersion(version); err != nil {
		return nil, fail("Version", "invalid", err)
	}
	rawDate := strings.TrimSpace(p.ReleaseDate)
	if rawDate == "" {
		return nil, fail("ReleaseDate", "missing", nil)
	}
	released, err := time.Parse(releaseDateLayout, rawDate)
	if err != nil {
		return nil, fail("ReleaseDate", "invalid", err)
	}

	deps, err := component.ParseDependencyList(p.Dependencies)
	if err != nil {
		return nil, fail("Dependencies", "invalid", err)
	}
	virtual, err := parseBool(p.Virtual, false)
	if err != nil {
		return nil, fail("Virtual", "invalid", err)
	}
	checkable, err := parseBool(p.Checkable, true)
	if err != nil {
		return nil, fail("Checkable", "invalid", err)
	}

	c := &component.Component{
		ID:               name,
		DisplayName:      strings.TrimSpace(p.DisplayName),
		Description:      strings.TrimSpace(p.Description),
		Version:          version,
		ReleaseDate:      released,
		Dependencies:     deps,
		AutoDependOn:     splitList(p.AutoDependOn),
		Virtual:          virtual,
		Checkable:        checkable,
		Script:           strings.TrimSpace(p.Script.Name),
		ScriptSHA256:     strings.ToLower(strings.TrimSpace(p.Script.SHA256)),
		CompressedSize:   p.UpdateFile.CompressedSize,
		UncompressedSize: p.UpdateFile.UncompressedSize,
		Sources:          []string{baseURL},
	}
	if c.DisplayName == "" {
		c.DisplayName = name
	}

	archives, err := mergeArchives(p)
	if err != nil {
		return nil, fail("Archive", "invalid", err)
	}
	c.Archives = archives
	return c, nil
}

// mergeArchives combines the DownloadableArchives list with Archive elements, which
// carry digests and sizes. Order follows first appearance.
func mergeArchives(p *packageUpdateXML) ([]component.Archive, error) {
	var out []component.Archive
	index := make(map[string]int)

	for _, name := range splitList(p.DownloadableArchives) {
		if _, ok := index[name]; ok {
			continue
		}
		index[name] = len(out)
		out = append(out, component.Archive{Name: name})
	}

	for _, a := range p.Archives {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("archive without a name")
		}
		if strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("archive name %q must not contain a path", name)
		}
		entry := component.Archive{Name: name, SHA256: strings.ToLower(strings.TrimSpace(a.SHA256)), Size: a.Size}
		if i, ok := index[name]; ok {
			out[i] = entry
			continue
		}
		index[name] = len(out)
		out = append(out, entry)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(raw string, def bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}

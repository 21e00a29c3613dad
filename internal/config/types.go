package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
)

// Config is the complete installer configuration.
type Config struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Title     string `json:"title,omitempty"`

	// TargetDir is the installation directory. A leading "~/" is expanded.
	TargetDir string `json:"target_dir"`

	// Repositories are consulted in order; earlier entries win ties.
	Repositories []Repository `json:"repositories"`

	Download Download `json:"download"`

	// BackupRetention is "delete" (drop backups on commit) or "keep" (purge on
	// the next run).
	BackupRetention string `json:"backup_retention,omitempty"`

	// Keyring enables OpenPGP verification of repository metadata.
	Keyring string `json:"keyring,omitempty"`

	// MaintenanceTool is the file name of the maintenance tool written into TargetDir.
	MaintenanceTool string `json:"maintenance_tool,omitempty"`

	LogFile string `json:"log_file,omitempty"`

	// CheckProcesses names executables that must not run during an installation.
	CheckProcesses []string `json:"check_processes,omitempty"`

	// Values seed the installer values used for @Key@ expansion.
	Values map[string]string `json:"values,omitempty"`
}

// Repository is one metadata source.
type Repository struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Download tunes the download pipeline.
type Download struct {
	Workers            int   `json:"workers,omitempty"`
	Retries            int   `json:"retries,omitempty"`
	ProgressIntervalMS int   `json:"progress_interval_ms,omitempty"`
	Pipeline           *bool `json:"pipeline,omitempty"`
}

// Pipelined reports whether operations may start before every download has finished.
func (d Download) Pipelined() bool {
	return d.Pipeline == nil || *d.Pipeline
}

// ProgressInterval returns the progress cadence as a duration.
func (d Download) ProgressInterval() time.Duration {
	return time.Duration(d.ProgressIntervalMS) * time.Millisecond
}

// EnabledRepositories returns the URLs of repositories that are not disabled.
func (c *Config) EnabledRepositories() []string {
	var urls []string
	for _, r := range c.Repositories {
		if !r.Disabled {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// ApplyDefaults fills unset fields and expands "~/" in paths.
func (c *Config) ApplyDefaults() error {
	if c.Title == "" && c.Name != "" {
		c.Title = c.Name + " Setup"
	}
	if c.Download.Workers == 0 {
		c.Download.Workers = DefaultWorkers
	}
	if c.Download.Retries == 0 {
		c.Download.Retries = DefaultRetries
	}
	if c.Download.ProgressIntervalMS == 0 {
		c.Download.ProgressIntervalMS = DefaultProgressIntervalMS
	}
	if c.BackupRetention == "" {
		c.BackupRetention = DefaultBackupRetention
	}
	if c.MaintenanceTool == "" {
		c.MaintenanceTool = DefaultMaintenanceTool
	}

	var err error
	if c.TargetDir, err = expandHome(c.TargetDir); err != nil {
		return err
	}
	if c.Keyring, err = expandHome(c.Keyring); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: luaFieldName, Message: "cannot be empty"}
	}
	if c.Version != "" {
		if err := component.ValidateVersion(c.Version); err != nil {
			return &ValidationError{Field: luaFieldVersion, Message: err.Error()}
		}
	}

	if c.TargetDir == "" {
		return &ValidationError{Field: luaFieldTargetDir, Message: "cannot be empty"}
	}
	if !filepath.IsAbs(c.TargetDir) {
		return &ValidationError{Field: luaFieldTargetDir, Message: fmt.Sprintf("must be absolute: %s", c.TargetDir)}
	}
	if hasTraversal(c.TargetDir) {
		return &ValidationError{Field: luaFieldTargetDir, Message: fmt.Sprintf("path traversal not allowed: %s", c.TargetDir)}
	}

	if len(c.Repositories) == 0 {
		return &ValidationError{Field: luaFieldRepositories, Message: "at least one repository is required"}
	}
	if len(c.Repositories) > MaxRepositoryCount {
		return &ValidationError{
			Field:   luaFieldRepositories,
			Message: fmt.Sprintf("too many repositories (%d), maximum is %d", len(c.Repositories), MaxRepositoryCount),
		}
	}
	for i, r := range c.Repositories {
		if err := validateRepositoryURL(r.URL); err != nil {
			return &ValidationError{Field: fmt.Sprintf("repositories[%d].url", i), Message: err.Error()}
		}
	}
	if len(c.EnabledRepositories()) == 0 {
		return &ValidationError{Field: luaFieldRepositories, Message: "every repository is disabled"}
	}

	if c.Download.Workers < 1 || c.Download.Workers > MaxWorkers {
		return &ValidationError{Field: "download.workers", Message: fmt.Sprintf("must be between 1 and %d", MaxWorkers)}
	}
	if c.Download.Retries < 0 || c.Download.Retries > MaxRetries {
		return &ValidationError{Field: "download.retries", Message: fmt.Sprintf("must be between 0 and %d", MaxRetries)}
	}
	if c.Download.ProgressIntervalMS < 10 || c.Download.ProgressIntervalMS > 60000 {
		return &ValidationError{Field: "download.progress_interval_ms", Message: "must be between 10 and 60000"}
	}

	switch c.BackupRetention {
	case "delete", "keep":
	default:
		return &ValidationError{Field: luaFieldBackupRetention, Message: fmt.Sprintf("must be \"delete\" or \"keep\", got %q", c.BackupRetention)}
	}

	if strings.ContainsAny(c.MaintenanceTool, `/\`) || c.MaintenanceTool == "." || c.MaintenanceTool == ".." {
		return &ValidationError{Field: luaFieldMaintenanceTool, Message: "must be a file name"}
	}

	for i, name := range c.CheckProcesses {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: fmt.Sprintf("check_processes[%d]", i), Message: "cannot be empty"}
		}
	}

	for key := range c.Values {
		if !valueKeyPattern.MatchString(key) {
			return &ValidationError{Field: "values." + key, Message: "keys must start with a letter and contain only letters, digits and _"}
		}
	}

	return nil
}

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "config validation failed for " + e.Field + ": " + e.Message
	}
	return "config validation failed: " + e.Message
}

var valueKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func validateRepositoryURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url cannot be empty")
	}
	if filepath.IsAbs(raw) {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid repository URL: %w", err)
	}
	switch u.Scheme {
	case "https", "http", "file":
		return nil
	default:
		return fmt.Errorf("repository URL must use https://, http:// or file:// (got: %q)", u.Scheme)
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func hasTraversal(path string) bool {
	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	lua "github.com/yuin/gopher-lua"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
)

// Parser evaluates installer configurations.
type Parser struct {
	detector platform.Detector
	logger   logging.Logger
	timeout  time.Duration
}

// NewParser creates a parser. A nil detector leaves the platform table undefined.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector, logger: logging.Nop(), timeout: DefaultParseTimeout}
}

// WithLogger sets the logger and returns p.
func (p *Parser) WithLogger(l logging.Logger) *Parser {
	p.logger = logging.OrNop(l)
	return p
}

// ParseFile reads and parses a configuration file.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if info.Size() > MaxConfigSize {
		return nil, &ParseError{Message: "config file too large", Detail: fmt.Sprintf("%d bytes, maximum is %d", info.Size(), MaxConfigSize)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	for _, f := range DetectSensitiveData(string(data)) {
		p.logger.Warn("possible secret in configuration", "file", path, "line", f.Line, "kind", f.PatternName, "preview", f.Preview)
	}

	cfg, err := p.ParseString(ctx, string(data))
	if err != nil {
		return nil, err
	}
	p.logger.Debug("configuration loaded", "file", path, "name", cfg.Name, "repositories", len(cfg.Repositories))
	return cfg, nil
}

// ParseString parses configuration source, applies defaults and validates.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (*Config, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	L := NewSandbox(ctx)
	defer L.Close()

	if p.detector != nil {
		info, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		platform.InjectPlatformTable(L, info)
	}

	if err := L.DoString(luaCode); err != nil {
		if ctx.Err() != nil {
			return nil, &ParseError{Message: "config evaluation timed out", Detail: err.Error(), Cause: ctx.Err()}
		}
		return nil, &ParseError{Message: "Lua error", Detail: err.Error()}
	}

	cfg, err := extractConfig(L)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{Message: "config validation failed", Detail: err.Error(), Cause: err}
	}
	return cfg, nil
}

// ParseError represents a config parsing error with a friendly message.
type ParseError struct {
	Message string // user facing summary
	Detail  string // raw Lua or validation error
	Cause   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Cause }

func extractConfig(L *lua.LState) (*Config, error) {
	root := L.GetGlobal(luaGlobalInstaller)
	table, ok := root.(*lua.LTable)
	if !ok {
		return nil, &ParseError{
			Message: fmt.Sprintf("missing or invalid '%s' table", luaGlobalInstaller),
			Detail:  fmt.Sprintf("expected table, got %s", root.Type()),
		}
	}

	cfg := &Config{
		Name:            stringField(table, luaFieldName),
		Version:         stringField(table, luaFieldVersion),
		Publisher:       stringField(table, luaFieldPublisher),
		Title:           stringField(table, luaFieldTitle),
		TargetDir:       stringField(table, luaFieldTargetDir),
		BackupRetention: stringField(table, luaFieldBackupRetention),
		Keyring:         stringField(table, luaFieldKeyring),
		MaintenanceTool: stringField(table, luaFieldMaintenanceTool),
		LogFile:         stringField(table, luaFieldLogFile),
		CheckProcesses:  stringList(table.RawGetString(luaFieldCheckProcesses)),
	}

	repos, err := extractRepositories(table.RawGetString(luaFieldRepositories))
	if err != nil {
		return nil, err
	}
	cfg.Repositories = repos

	if dl, ok := table.RawGetString(luaFieldDownload).(*lua.LTable); ok {
		cfg.Download = Download{
			Workers:            intField(dl, luaFieldWorkers),
			Retries:            intField(dl, luaFieldRetries),
			ProgressIntervalMS: intField(dl, luaFieldProgress),
		}
		if v, ok := dl.RawGetString(luaFieldPipeline).(lua.LBool); ok {
			b := bool(v)
			cfg.Download.Pipeline = &b
		}
	}

	if values, ok := table.RawGetString(luaFieldValues).(*lua.LTable); ok {
		cfg.Values = make(map[string]string)
		values.ForEach(func(k, v lua.LValue) {
			if k.Type() == lua.LTString && v.Type() != lua.LTNil {
				cfg.Values[k.String()] = v.String()
			}
		})
	}

	return cfg, nil
}

// extractRepositories accepts plain URL strings and {url=..., username=...}
// tables. nil entries from platform conditionals are skipped.
func extractRepositories(v lua.LValue) ([]Repository, error) {
	table, ok := v.(*lua.LTable)
	if !ok {
		return nil, nil
	}

	var (
		repos []Repository
		errs  *multierror.Error
	)
	for i := 1; i <= table.MaxN(); i++ {
		switch entry := table.RawGetInt(i).(type) {
		case lua.LString:
			repos = append(repos, Repository{URL: string(entry)})
		case *lua.LTable:
			r := Repository{
				URL:      stringField(entry, luaFieldURL),
				Username: stringField(entry, luaFieldUsername),
				Password: stringField(entry, luaFieldPassword),
			}
			if enabled, ok := entry.RawGetString(luaFieldEnabled).(lua.LBool); ok {
				r.Disabled = !bool(enabled)
			}
			repos = append(repos, r)
		case *lua.LNilType:
		default:
			errs = multierror.Append(errs, &ValidationError{
				Field:   fmt.Sprintf("repositories[%d]", i-1),
				Message: fmt.Sprintf("expected string or table, got %s", entry.Type()),
			})
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, &ParseError{Message: "invalid repositories", Detail: err.Error(), Cause: err}
	}
	return repos, nil
}

func stringField(t *lua.LTable, name string) string {
	if v, ok := t.RawGetString(name).(lua.LString); ok {
		return strings.TrimSpace(string(v))
	}
	return ""
}

func intField(t *lua.LTable, name string) int {
	if v, ok := t.RawGetString(name).(lua.LNumber); ok {
		return int(v)
	}
	return 0
}

func stringList(v lua.LValue) []string {
	table, ok := v.(*lua.LTable)
	if !ok {
		return nil
	}
	var out []string
	for i := 1; i <= table.MaxN(); i++ {
		if s, ok := table.RawGetInt(i).(lua.LString); ok {
			out = append(out, string(s))
		}
	}
	return out
}

// FormatError formats an error for display. Without verbose, Lua stack traces are
// trimmed from *ParseError details.
func FormatError(err error, verbose bool) string {
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		return err.Error()
	}
	if verbose {
		return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
	}
	detail := parseErr.Detail
	if idx := strings.Index(detail, "stack traceback"); idx > 0 {
		detail = strings.TrimSpace(detail[:idx])
	}
	return fmt.Sprintf("%s: %s", parseErr.Message, detail)
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/config"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/container"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/download"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/engine"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/repository"
)

// helperCommand is the hidden command run by the elevated helper process.
const helperCommand = "operation-helper"

// app bundles what a command needs once the configuration is loaded.
type app struct {
	cfg    *config.Config
	engine *engine.Engine
	logger logging.Logger
	sync   func() error
	ui     *progressUI
}

func (a *app) close() {
	if a.ui != nil {
		a.ui.finish()
	}
	_ = a.sync()
}

// newApp loads the configuration and wires the engine. out receives progress output.
func newApp(ctx context.Context, opts *globalOptions, out io.Writer) (*app, error) {
	console, syncConsole := logging.New(logging.Options{Verbose: opts.verbose})
	detector := platform.NewDetector()

	cfg, err := loadConfig(ctx, opts, detector, console)
	if err != nil {
		_ = syncConsole()
		return nil, err
	}
	info, err := detector.Detect(ctx)
	if err != nil {
		_ = syncConsole()
		return nil, fmt.Errorf("detect platform: %w", err)
	}

	logger, syncLogger := console, syncConsole
	if cfg.LogFile != "" {
		_ = syncConsole()
		logger, syncLogger = logging.New(logging.Options{Verbose: opts.verbose, File: logFilePath(cfg)})
	}

	a := &app{cfg: cfg, logger: logger, sync: syncLogger}

	fetcherOpts := []download.Option{
		download.WithRetries(cfg.Download.Retries),
		download.WithCredentials(repositoryCredentials(cfg.Repositories)),
		download.WithLogger(logger),
	}
	if !opts.noProgress {
		a.ui = newProgressUI(out)
		fetcherOpts = append(fetcherOpts, download.WithProgress(cfg.Download.ProgressInterval(), a.ui.download))
	}

	deps := engine.Deps{
		Fetcher:    download.NewFetcher(fetcherOpts...),
		Runner:     operation.ExecRunner{},
		Platform:   info,
		Executable: opts.executable,
		Logger:     logger,
	}
	if a.ui != nil {
		deps.Observer = a.ui
	}
	if os.Geteuid() != 0 {
		if cmd := elevationCommand(opts.executable); cmd != nil {
			deps.Elevator = operation.HelperElevator{Command: cmd}
		}
	}
	if cfg.Keyring != "" {
		keyring, err := repository.LoadKeyring(cfg.Keyring)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Keyring = keyring
	}

	a.engine, err = engine.New(cfg, deps)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// loadConfig parses --config, or the configuration embedded in the executable.
func loadConfig(ctx context.Context, opts *globalOptions, detector platform.Detector, logger logging.Logger) (*config.Config, error) {
	parser := config.NewParser(detector).WithLogger(logger)

	if opts.configPath != "" {
		cfg, err := parser.ParseFile(ctx, opts.configPath)
		if err != nil {
			return nil, errors.New(config.FormatError(err, opts.verbose))
		}
		return cfg, nil
	}

	if opts.executable == "" {
		return nil, errors.New("no configuration: pass --config")
	}
	data, err := engine.ReadMaintenanceData(opts.executable)
	if errors.Is(err, container.ErrNoContainer) {
		return nil, fmt.Errorf("%s carries no configuration: pass --config", filepath.Base(opts.executable))
	}
	if err != nil {
		return nil, err
	}
	if data.Config == "" {
		return nil, fmt.Errorf("%s carries no configuration: pass --config", filepath.Base(opts.executable))
	}
	cfg, err := parser.ParseString(ctx, data.Config)
	if err != nil {
		return nil, errors.New(config.FormatError(err, opts.verbose))
	}
	return cfg, nil
}

// logFilePath resolves a relative log file against the target directory.
func logFilePath(cfg *config.Config) string {
	if filepath.IsAbs(cfg.LogFile) {
		return cfg.LogFile
	}
	return filepath.Join(cfg.TargetDir, cfg.LogFile)
}

// repositoryCredentials answers authentication challenges with the credentials
// of the configured repository the URL belongs to.
func repositoryCredentials(repos []config.Repository) download.CredentialsFunc {
	return func(ctx context.Context, url, realm string) (download.Credentials, error) {
		var best *config.Repository
		for i := range repos {
			r := &repos[i]
			if r.Username == "" || !strings.HasPrefix(url, strings.TrimRight(r.URL, "/")) {
				continue
			}
			if best == nil || len(r.URL) > len(best.URL) {
				best = r
			}
		}
		if best == nil {
			return download.Credentials{}, fmt.Errorf("no credentials configured for %s", url)
		}
		return download.Credentials{Username: best.Username, Password: best.Password}, nil
	}
}

// elevationCommand returns the helper invocation through pkexec or sudo, or nil
// when neither is available.
func elevationCommand(executable string) []string {
	if executable == "" {
		return nil
	}
	for _, wrapper := range []string{"pkexec", "sudo"} {
		if path, err := exec.LookPath(wrapper); err == nil {
			return []string{path, executable, helperCommand}
		}
	}
	return nil
}

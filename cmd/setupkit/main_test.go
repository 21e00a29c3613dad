package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/config"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/download"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/testutil"
)

func execute(t *testing.T, exe string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(exe)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, repo, target string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "installer.lua")
	code := fmt.Sprintf(`
installer = {
  name = "Example",
  version = "1.0.0",
  target_dir = %q,
  repositories = { %q },
  download = { retries = 1 },
}
`, target, repo)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommands_InstallInspectUninstall(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.docs", Version: "1.0.0",
		Files: map[string]string{"share/readme.txt": "read me"},
	})
	target := filepath.Join(t.TempDir(), "example")
	cfgPath := writeConfig(t, repo, target)

	base := filepath.Join(t.TempDir(), "setupkit")
	if err := os.WriteFile(base, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, base, "--config", cfgPath, "--no-progress", "install", "org.example.docs")
	if err != nil {
		t.Fatalf("install: %v\n%s", err, out)
	}
	if !strings.Contains(out, "install of 1 component(s) completed") {
		t.Errorf("install output:\n%s", out)
	}
	if data, err := os.ReadFile(filepath.Join(target, "share", "readme.txt")); err != nil || string(data) != "read me" {
		t.Errorf("readme.txt = %q, %v", data, err)
	}

	tool := filepath.Join(target, config.DefaultMaintenanceTool)
	out, err = execute(t, "", "inspect", tool)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"installer.lua", "installation.json", "org.example.docs 1.0.0 (explicit, 1 operation(s))"} {
		if !strings.Contains(out, want) {
			t.Errorf("inspect output misses %q:\n%s", want, out)
		}
	}

	// The maintenance tool runs from its embedded configuration.
	out, err = execute(t, tool, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "org.example.docs") || !strings.Contains(out, "explicit") {
		t.Errorf("list output:\n%s", out)
	}

	out, err = execute(t, tool, "--no-progress", "uninstall", "--all")
	if err != nil {
		t.Fatalf("uninstall: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(target, "share")); !os.IsNotExist(err) {
		t.Errorf("share still exists: %v", err)
	}
	if _, err := os.Stat(tool); !os.IsNotExist(err) {
		t.Errorf("maintenance tool still exists: %v", err)
	}

	out, err = execute(t, "", "--config", cfgPath, "list")
	if err != nil {
		t.Fatalf("list after uninstall: %v", err)
	}
	if !strings.Contains(out, "Nothing is installed") {
		t.Errorf("list output:\n%s", out)
	}
}

func TestCommands_Errors(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "setupkit")
	if err := os.WriteFile(plain, []byte("plain"), 0o755); err != nil {
		t.Fatal(err)
	}
	badConfig := filepath.Join(t.TempDir(), "installer.lua")
	if err := os.WriteFile(badConfig, []byte(`installer = { name = "x" }`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		exe     string
		args    []string
		wantErr string
	}{
		{name: "uninstall without selection", args: []string{"uninstall"}, wantErr: "pass --all"},
		{name: "uninstall with both", args: []string{"uninstall", "--all", "org.example.docs"}, wantErr: "pass --all"},
		{name: "no configuration", args: []string{"list"}, wantErr: "no configuration"},
		{name: "plain executable", exe: plain, args: []string{"list"}, wantErr: "carries no configuration"},
		{name: "invalid configuration", args: []string{"--config", badConfig, "list"}, wantErr: "config validation failed"},
		{name: "inspect plain file", args: []string{"inspect", plain}, wantErr: "no embedded container"},
		{name: "inspect needs a file", args: []string{"inspect"}, wantErr: "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.exe, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRepositoryCredentials(t *testing.T) {
	creds := repositoryCredentials([]config.Repository{
		{URL: "https://repo.example.com"},
		{URL: "https://private.example.com/", Username: "alice", Password: "secret"},
		{URL: "https://private.example.com/nightly", Username: "ci", Password: "token"},
	})

	tests := []struct {
		url     string
		want    download.Credentials
		wantErr bool
	}{
		{url: "https://private.example.com/Updates.xml", want: download.Credentials{Username: "alice", Password: "secret"}},
		{url: "https://private.example.com/nightly/Updates.xml", want: download.Credentials{Username: "ci", Password: "token"}},
		{url: "https://repo.example.com/Updates.xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := creds.Credentials(context.Background(), tt.url, "repo")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Credentials() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestElevationCommand(t *testing.T) {
	if got := elevationCommand(""); got != nil {
		t.Errorf("elevationCommand(\"\") = %v, want nil", got)
	}
	if got := elevationCommand("/opt/app/maintenancetool"); got != nil && got[len(got)-1] != helperCommand {
		t.Errorf("elevationCommand() = %v, want the helper command last", got)
	}
}

func TestLogFilePath(t *testing.T) {
	cfg := &config.Config{TargetDir: "/opt/app", LogFile: "install.log"}
	if got := logFilePath(cfg); got != filepath.Join("/opt/app", "install.log") {
		t.Errorf("logFilePath() = %q", got)
	}
	cfg.LogFile = "/var/log/app.log"
	if got := logFilePath(cfg); got != "/var/log/app.log" {
		t.Errorf("logFilePath() = %q", got)
	}
}

func TestCommands_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "installer.lua")
	code := `
installer = {
  name = "Example",
  version = "1.0.0",
  target_dir = "/opt/example",
  repositories = {
    { url = "https://repo.example.com", username = "ci", password = "hunter22" },
  },
}
`
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	for _, want := range []string{"Repository password in plain text", "password = [REDACTED]", "Example 1.0.0: 1 repositories, target /opt/example"} {
		if !strings.Contains(out, want) {
			t.Errorf("validate output misses %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "hunter22") {
		t.Errorf("validate output leaks the password:\n%s", out)
	}
}

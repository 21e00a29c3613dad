package config

import (
	"bytes"
	"fmt"
	"strings"
)

// Generator renders a Config back to Lua. The maintenance tool embeds the
// output so it can run without the original file.
type Generator struct {
	indent string
}

// NewGenerator creates a generator indenting with two spaces.
func NewGenerator() *Generator {
	return &Generator{indent: "  "}
}

// Generate renders cfg as an installer table. Repository passwords are never
// written.
func (g *Generator) Generate(cfg *Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("generate config: nil config")
	}

	var buf bytes.Buffer
	buf.WriteString("-- generated by setupkit\n")
	buf.WriteString(luaGlobalInstaller + " = {\n")

	g.writeString(&buf, 1, luaFieldName, cfg.Name)
	g.writeString(&buf, 1, luaFieldVersion, cfg.Version)
	g.writeString(&buf, 1, luaFieldPublisher, cfg.Publisher)
	g.writeString(&buf, 1, luaFieldTitle, cfg.Title)
	g.writeString(&buf, 1, luaFieldTargetDir, cfg.TargetDir)

	if len(cfg.Repositories) > 0 {
		g.writeRepositories(&buf, cfg.Repositories)
	}
	g.writeDownload(&buf, cfg.Download)

	g.writeString(&buf, 1, luaFieldBackupRetention, cfg.BackupRetention)
	g.writeString(&buf, 1, luaFieldKeyring, cfg.Keyring)
	g.writeString(&buf, 1, luaFieldMaintenanceTool, cfg.MaintenanceTool)
	g.writeString(&buf, 1, luaFieldLogFile, cfg.LogFile)

	if len(cfg.CheckProcesses) > 0 {
		g.pad(&buf, 1)
		buf.WriteString(luaFieldCheckProcesses + " = { ")
		for i, name := range cfg.CheckProcesses {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(g.quoteLuaString(name))
		}
		buf.WriteString(" },\n")
	}

	if len(cfg.Values) > 0 {
		g.pad(&buf, 1)
		buf.WriteString(luaFieldValues + " = {\n")
		for _, key := range sortedKeys(cfg.Values) {
			g.writeString(&buf, 2, key, cfg.Values[key])
		}
		g.pad(&buf, 1)
		buf.WriteString("},\n")
	}

	buf.WriteString("}\n")
	return buf.String(), nil
}

func (g *Generator) writeRepositories(buf *bytes.Buffer, repos []Repository) {
	g.pad(buf, 1)
	buf.WriteString(luaFieldRepositories + " = {\n")
	for _, r := range repos {
		g.pad(buf, 2)
		if r.Username == "" && !r.Disabled {
			buf.WriteString(g.quoteLuaString(r.URL))
			buf.WriteString(",\n")
			continue
		}
		fmt.Fprintf(buf, "{ %s = %s", luaFieldURL, g.quoteLuaString(r.URL))
		if r.Username != "" {
			fmt.Fprintf(buf, ", %s = %s", luaFieldUsername, g.quoteLuaString(r.Username))
		}
		if r.Disabled {
			fmt.Fprintf(buf, ", %s = false", luaFieldEnabled)
		}
		buf.WriteString(" },\n")
	}
	g.pad(buf, 1)
	buf.WriteString("},\n")
}

func (g *Generator) writeDownload(buf *bytes.Buffer, d Download) {
	if d.Workers == 0 && d.Retries == 0 && d.ProgressIntervalMS == 0 && d.Pipeline == nil {
		return
	}
	g.pad(buf, 1)
	buf.WriteString(luaFieldDownload + " = {\n")
	if d.Workers != 0 {
		g.pad(buf, 2)
		fmt.Fprintf(buf, "%s = %d,\n", luaFieldWorkers, d.Workers)
	}
	if d.Retries != 0 {
		g.pad(buf, 2)
		fmt.Fprintf(buf, "%s = %d,\n", luaFieldRetries, d.Retries)
	}
	if d.ProgressIntervalMS != 0 {
		g.pad(buf, 2)
		fmt.Fprintf(buf, "%s = %d,\n", luaFieldProgress, d.ProgressIntervalMS)
	}
	if d.Pipeline != nil {
		g.pad(buf, 2)
		fmt.Fprintf(buf, "%s = %t,\n", luaFieldPipeline, *d.Pipeline)
	}
	g.pad(buf, 1)
	buf.WriteString("},\n")
}

func (g *Generator) writeString(buf *bytes.Buffer, depth int, key, value string) {
	if value == "" {
		return
	}
	g.pad(buf, depth)
	buf.WriteString(key)
	buf.WriteString(" = ")
	buf.WriteString(g.quoteLuaString(value))
	buf.WriteString(",\n")
}

func (g *Generator) pad(buf *bytes.Buffer, depth int) {
	buf.WriteString(strings.Repeat(g.indent, depth))
}

// quoteLuaString quotes a string for Lua, handling special characters.
func (g *Generator) quoteLuaString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\") // backslashes first
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return "\"" + s + "\""
}

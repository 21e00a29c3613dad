package config

import (
	"fmt"
	"regexp"
	"strings"
)

// SensitivePattern is a pattern that suggests a hardcoded secret.
type SensitivePattern struct {
	Name        string
	Pattern     *regexp.Regexp
	Description string
}

var sensitivePatterns = []SensitivePattern{
	{
		Name:        "Password",
		Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd)\s*=\s*['"][^'"]+['"]`),
		Description: "Repository password in plain text",
	},
	{
		Name:        "URL Credentials",
		Pattern:     regexp.MustCompile(`(?i)[a-z][a-z0-9+.-]*://[^/\s:@'"]+:[^/\s@'"]+@`),
		Description: "Credentials embedded in a repository URL",
	},
	{
		Name:        "Token",
		Pattern:     regexp.MustCompile(`(?i)(token|auth[_-]?token|access[_-]?token|bearer)\s*=\s*['"][a-zA-Z0-9_-]{15,}['"]`),
		Description: "Authentication token",
	},
	{
		Name:        "API Key",
		Pattern:     regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*=\s*['"][a-zA-Z0-9_-]{15,}['"]`),
		Description: "API key",
	},
}

// SensitiveDataFinding is one match of a sensitive pattern.
type SensitiveDataFinding struct {
	PatternName string
	Description string
	Line        int
	Preview     string
}

// DetectSensitiveData scans configuration source for likely secrets.
func DetectSensitiveData(content string) []SensitiveDataFinding {
	var findings []SensitiveDataFinding
	for i, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, p := range sensitivePatterns {
			if p.Pattern.MatchString(line) {
				findings = append(findings, SensitiveDataFinding{
					PatternName: p.Name,
					Description: p.Description,
					Line:        i + 1,
					Preview:     redactSensitiveValue(line),
				})
			}
		}
	}
	return findings
}

func redactSensitiveValue(line string) string {
	line = strings.TrimSpace(line)
	eq := strings.Index(line, "=")
	if eq == -1 {
		if len(line) > 30 {
			return line[:30] + "... [REDACTED]"
		}
		return line + " [REDACTED]"
	}
	return strings.TrimSpace(line[:eq]) + " = [REDACTED]"
}

// FormatSensitiveDataWarning renders findings for the terminal.
func FormatSensitiveDataWarning(findings []SensitiveDataFinding) string {
	if len(findings) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("WARNING: the installer configuration appears to contain secrets\n\n")
	for i, f := range findings {
		fmt.Fprintf(&sb, "%d. %s (line %d)\n   %s\n", i+1, f.Description, f.Line, f.Preview)
	}
	sb.WriteString("\nSupply repository credentials interactively or through a credentials provider instead.\n")
	return sb.String()
}

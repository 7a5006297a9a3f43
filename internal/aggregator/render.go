package aggregator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatMarkdown = "md"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
)

// Render encodes the report in the named format.
func Render(r *Report, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", FormatMarkdown, "markdown":
		return []byte(RenderMarkdown(r)), nil
	case FormatJSON:
		return RenderJSON(r)
	case FormatYAML, "yml":
		return RenderYAML(r)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

// RenderJSON encodes the report as indented JSON.
func RenderJSON(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// RenderYAML encodes the report as YAML.
func RenderYAML(r *Report) ([]byte, error) {
	return yaml.Marshal(r)
}

// RenderMarkdown formats the report for reading.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	sb.WriteString("# Product Concept Report\n\n")
	fmt.Fprintf(&sb, "**Query:** %s\n\n", r.Query)
	if r.Stage != "" {
		fmt.Fprintf(&sb, "**Stage:** %s\n\n", r.Stage)
	}
	fmt.Fprintf(&sb, "**Status:** %s\n\n", r.Status)

	for _, s := range r.Sections {
		fmt.Fprintf(&sb, "## %s\n\n", s.Title)
		for _, c := range s.Contributions {
			fmt.Fprintf(&sb, "### %s\n\n", c.RoleID)
			sb.WriteString(strings.TrimSpace(c.Text))
			sb.WriteString("\n\n")
			fmt.Fprintf(&sb, "_%s_\n\n", provenance(c))
		}
		for _, u := range s.Unavailable {
			fmt.Fprintf(&sb, "> **%s** unavailable: %s\n\n", u.RoleID, u.Reason)
		}
	}

	sb.WriteString("## Roles\n\n")
	sb.WriteString("| Role | State | Attempts | Notes |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, rs := range r.Roles {
		notes := rs.Reason
		if rs.Error != "" {
			if notes != "" {
				notes += "; "
			}
			notes += rs.Error
		}
		fmt.Fprintf(&sb, "| %s | %s | %d | %s |\n", rs.RoleID, rs.State, rs.Attempts, escapeCell(notes))
	}

	if !r.GeneratedAt.IsZero() {
		fmt.Fprintf(&sb, "\n_Generated %s for run %s._\n", r.GeneratedAt.UTC().Format(time.RFC3339), r.RunID)
	}
	return sb.String()
}

func provenance(c Contribution) string {
	p := fmt.Sprintf("node %s, field %s, attempt %d", c.NodeID, c.Field, c.Attempt)
	if !c.ProducedAt.IsZero() {
		p += ", " + c.ProducedAt.UTC().Format(time.RFC3339)
	}
	if len(c.Upstream) > 0 {
		p += ", builds on " + strings.Join(c.Upstream, ", ")
	}
	return p
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

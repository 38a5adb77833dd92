package parser

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseMarkdown drops YAML frontmatter from the indexed text and takes the
// title from frontmatter or the first H1 heading.
func parseMarkdown(data []byte) (*Result, error) {
	res, err := parseText(data)
	if err != nil {
		return nil, err
	}
	fm, body := splitFrontmatter([]byte(res.Text))
	return &Result{Title: deriveTitle(fm, body), Text: body}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading ---
// delimiters) from the body. Without valid frontmatter the entire content
// is body.
func splitFrontmatter(data []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	var fm map[string]any
	if err := yaml.Unmarshal(rest[:idx], &fm); err != nil {
		return nil, string(data)
	}
	body := strings.TrimLeft(string(rest[idx+1+len(delim):]), "\n\r")
	return fm, body
}

func deriveTitle(fm map[string]any, body string) string {
	if s, ok := fm["title"].(string); ok && s != "" {
		return s
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

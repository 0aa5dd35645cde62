package composition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// parseFile reads one component file. `.yaml`/`.yml` files are parsed
// whole; `.md` files carry YAML frontmatter between --- markers, with the
// markdown body stored under spec.content.
func parseFile(root, relPath string) (*Component, error) {
	raw, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		return nil, fmt.Errorf("reading component %s: %w", relPath, err)
	}

	var c Component
	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("parsing component %s: %w", relPath, err)
		}
	case ".md":
		meta, body, err := splitFrontmatter(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing component %s: %w", relPath, err)
		}
		if err := yaml.Unmarshal(meta, &c); err != nil {
			return nil, fmt.Errorf("parsing frontmatter of %s: %w", relPath, err)
		}
		if c.Spec == nil {
			c.Spec = map[string]any{}
		}
		c.Spec["content"] = string(body)
	default:
		return nil, fmt.Errorf("component %s: unsupported extension", relPath)
	}

	if c.Name == "" {
		// Fall back to the file name so bare content files still index.
		base := filepath.Base(relPath)
		c.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Type == "" {
		c.Type = TypeProfile
	}
	c.Path = relPath
	return &c, nil
}

// splitFrontmatter separates the leading --- YAML --- block from the
// markdown body.
func splitFrontmatter(raw []byte) (meta, body []byte, err error) {
	text := string(bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf")))
	if !strings.HasPrefix(text, frontmatterDelimiter+"\n") &&
		!strings.HasPrefix(text, frontmatterDelimiter+"\r\n") {
		return nil, nil, fmt.Errorf("missing frontmatter")
	}
	rest := text[len(frontmatterDelimiter):]
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	idx := strings.Index(rest, "\n"+frontmatterDelimiter)
	if idx < 0 {
		return nil, nil, fmt.Errorf("unterminated frontmatter")
	}
	meta = []byte(rest[:idx])
	after := rest[idx+1+len(frontmatterDelimiter):]
	after = strings.TrimPrefix(after, "\r\n")
	after = strings.TrimPrefix(after, "\n")
	return meta, []byte(strings.TrimSpace(after)), nil
}

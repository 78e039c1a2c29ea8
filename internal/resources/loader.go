// Package resources loads prompt and skill definitions from markdown
// files with YAML front matter, surfaced to clients as completion
// items.
package resources

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

var frontMatterDelimiter = []byte("---")

// Completion is one selectable prompt or skill.
type Completion struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// frontMatter is the YAML header of a resource file.
type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Loader scans a directory tree for resource files.
type Loader struct {
	dir    string
	logger *logger.Logger
}

// NewLoader creates a loader for dir. An empty dir yields no
// completions.
func NewLoader(dir string, log *logger.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "resources")),
	}
}

// Completions returns all loadable resources. Read and parse failures
// degrade to skipped entries, never errors.
func (l *Loader) Completions() []Completion {
	completions := []Completion{}
	if l.dir == "" {
		return completions
	}

	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		c, ok := l.load(path)
		if ok {
			completions = append(completions, c)
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("resource scan failed", zap.String("dir", l.dir), zap.Error(err))
	}

	return completions
}

// load parses one resource file. Files without front matter fall back
// to the file name.
func (l *Loader) load(path string) (Completion, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn("failed to read resource", zap.String("path", path), zap.Error(err))
		return Completion{}, false
	}

	c := Completion{
		Name: strings.TrimSuffix(filepath.Base(path), ".md"),
		Path: path,
	}

	fm, ok := extractFrontMatter(data)
	if ok {
		var meta frontMatter
		if err := yaml.Unmarshal(fm, &meta); err != nil {
			l.logger.Warn("invalid resource front matter", zap.String("path", path), zap.Error(err))
		} else {
			if meta.Name != "" {
				c.Name = meta.Name
			}
			c.Description = meta.Description
		}
	}

	return c, true
}

// extractFrontMatter returns the YAML block between the leading "---"
// delimiters, if present.
func extractFrontMatter(data []byte) ([]byte, bool) {
	trimmed := bytes.TrimLeft(data, "\r\n ")
	if !bytes.HasPrefix(trimmed, frontMatterDelimiter) {
		return nil, false
	}

	rest := trimmed[len(frontMatterDelimiter):]
	end := bytes.Index(rest, frontMatterDelimiter)
	if end < 0 {
		return nil, false
	}
	return rest[:end], true
}

// Package definition loads workflow templates from YAML seed files, validates
// them, and stores them behind the TemplateStore interface.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/caseflow/model"
	"gopkg.in/yaml.v3"
)

// Loader scans directories for YAML template files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowTemplate.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowTemplate, error) {
	var templates []model.WorkflowTemplate

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			tmpl, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			templates = append(templates, tmpl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return templates, nil
}

// LoadFile loads and parses a single YAML template file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}

	tmpl, err := l.Parse(data)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	tmpl.SourceFile = path
	return tmpl, nil
}

// Parse decodes one template document. Unknown fields are rejected so typos
// in step keys surface at load time.
func (l *Loader) Parse(data []byte) (model.WorkflowTemplate, error) {
	var tmpl model.WorkflowTemplate
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tmpl); err != nil {
		return model.WorkflowTemplate{}, err
	}
	tmpl.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return tmpl, nil
}

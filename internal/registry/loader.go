package registry

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sequorhq/sequor/model"
)

// Bundle is the on-disk YAML shape: one file may carry several sequence
// definitions and the event routes that reference them.
type Bundle struct {
	Sequences []model.SequenceDefinition `yaml:"sequences"`
	Routes    []model.EventRoute         `yaml:"routes"`
}

// Loader scans directories for YAML bundle files and parses them, recording
// SHA-256 checksums and source paths on each definition.
type Loader struct{}

// NewLoader creates a new bundle Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and
// parses each into a Bundle. Definitions across files are concatenated.
func (l *Loader) LoadAll(directories []string) (Bundle, error) {
	var merged Bundle

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

			bundle, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			merged.Sequences = append(merged.Sequences, bundle.Sequences...)
			merged.Routes = append(merged.Routes, bundle.Routes...)
			return nil
		})
		if err != nil {
			return Bundle{}, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return merged, nil
}

// LoadFile loads and parses a single YAML bundle file.
func (l *Loader) LoadFile(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	for i := range bundle.Sequences {
		bundle.Sequences[i].Checksum = checksum
		bundle.Sequences[i].SourceFile = path
	}

	return bundle, nil
}

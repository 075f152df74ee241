// Package catalog loads curated spam patterns from YAML files and keeps the
// pattern store in step with them.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

const filePattern = "**/*.{yaml,yml}"

// File is one catalog document.
//
//	owner: ""            # optional; empty means global
//	patterns:
//	  - key: parcel-fee
//	    type: keyword
//	    payload: "parcel,customs fee,redelivery"
//	    confidence: 0.8
type File struct {
	Owner    string  `yaml:"owner"`
	Patterns []Entry `yaml:"patterns"`
	Path     string  `yaml:"-"`
}

// Entry is one pattern definition. Active defaults to true for new patterns;
// when omitted, a resync keeps whatever the operator last set.
type Entry struct {
	Key        string             `yaml:"key"`
	Owner      string             `yaml:"owner"`
	Type       models.PatternType `yaml:"type"`
	Payload    string             `yaml:"payload"`
	Confidence float64            `yaml:"confidence"`
	Active     *bool              `yaml:"active"`
}

// Request converts the entry into a keyed create request, inheriting the
// file's owner when the entry has none.
func (e Entry) Request(fileOwner string) *models.CreatePatternRequest {
	owner := e.Owner
	if owner == "" {
		owner = fileOwner
	}
	return &models.CreatePatternRequest{
		OwnerID:         owner,
		Key:             strings.TrimSpace(e.Key),
		PatternType:     e.Type,
		Payload:         e.Payload,
		ConfidenceScore: e.Confidence,
		Active:          e.Active,
	}
}

// Scan finds catalog files under each directory and parses them. Missing
// directories are skipped. Files that fail to parse are reported in the
// second return value and do not stop the scan.
func Scan(dirs []string) ([]File, []error) {
	var files []File
	var errs []error

	for _, dir := range dirs {
		matches, err := doublestar.Glob(os.DirFS(dir), filePattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("glob %s: %w", dir, err))
			continue
		}
		for _, rel := range matches {
			path := filepath.Join(dir, filepath.FromSlash(rel))
			f, err := parseFile(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			files = append(files, f)
		}
	}

	return files, errs
}

func parseFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// isCatalogFile reports whether a changed path can affect the catalog.
func isCatalogFile(path string) bool {
	ok, _ := doublestar.Match("*.{yaml,yml}", filepath.Base(path))
	return ok
}

// walkDirs lists every directory under the roots, for watch registration.
func walkDirs(roots []string) []string {
	var dirs []string
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				dirs = append(dirs, path)
			}
			return nil
		})
	}
	return dirs
}

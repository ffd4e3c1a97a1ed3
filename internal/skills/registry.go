// Package skills manages installable skill packages: a directory holding a
// YAML manifest plus supporting files, installed under one skills root.
package skills

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"arbiter/internal/logging"
)

const (
	manifestFile   = "skill.yaml"
	disabledMarker = ".disabled"
)

// ErrNotInstalled is returned when a named skill does not exist.
var ErrNotInstalled = errors.New("skill not installed")

var skillNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manifest is the skill.yaml schema.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description,omitempty"`
	Entrypoint  string   `yaml:"entrypoint,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Skill is one installed skill plus its runtime state.
type Skill struct {
	Manifest Manifest `json:"manifest"`
	Enabled  bool     `json:"enabled"`
	Path     string   `json:"path"`
}

// Registry owns the skills root directory.
type Registry struct {
	root   string
	logger logging.Logger
}

// NewRegistry creates the root directory if needed.
func NewRegistry(root string, logger logging.Logger) (*Registry, error) {
	if root == "" {
		return nil, fmt.Errorf("skills root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create skills root: %w", err)
	}
	return &Registry{root: root, logger: logging.OrNop(logger)}, nil
}

// Install copies a skill source directory into the registry. The source must
// contain a valid skill.yaml; an existing skill of the same name is replaced.
// A non-empty name overrides the manifest name.
func (r *Registry) Install(srcDir, name string) (Skill, error) {
	manifest, err := readManifest(filepath.Join(srcDir, manifestFile))
	if err != nil {
		return Skill{}, err
	}
	renamed := name != "" && name != manifest.Name
	if renamed {
		if !skillNamePattern.MatchString(name) {
			return Skill{}, fmt.Errorf("invalid skill name %q", name)
		}
		manifest.Name = name
	}

	dst := filepath.Join(r.root, manifest.Name)
	if err := os.RemoveAll(dst); err != nil {
		return Skill{}, fmt.Errorf("replace skill %s: %w", manifest.Name, err)
	}
	if err := copyTree(srcDir, dst); err != nil {
		return Skill{}, fmt.Errorf("install skill %s: %w", manifest.Name, err)
	}
	// The installed manifest must agree with the directory name or Get and
	// List would resurrect the source name.
	if renamed {
		data, err := yaml.Marshal(manifest)
		if err != nil {
			return Skill{}, fmt.Errorf("encode manifest for %s: %w", manifest.Name, err)
		}
		if err := os.WriteFile(filepath.Join(dst, manifestFile), data, 0o644); err != nil {
			return Skill{}, fmt.Errorf("rewrite manifest for %s: %w", manifest.Name, err)
		}
	}

	r.logger.Info("skills: installed %s %s", manifest.Name, manifest.Version)
	return Skill{Manifest: manifest, Enabled: true, Path: dst}, nil
}

// Get loads one installed skill.
func (r *Registry) Get(name string) (Skill, error) {
	dir := filepath.Join(r.root, name)
	manifest, err := readManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Skill{}, fmt.Errorf("%w: %s", ErrNotInstalled, name)
		}
		return Skill{}, err
	}
	_, statErr := os.Stat(filepath.Join(dir, disabledMarker))
	return Skill{Manifest: manifest, Enabled: statErr != nil, Path: dir}, nil
}

// List returns every installed skill sorted by name. Directories without a
// readable manifest are skipped with a warning.
func (r *Registry) List() ([]Skill, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read skills root: %w", err)
	}
	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skill, err := r.Get(entry.Name())
		if err != nil {
			r.logger.Warn("skills: skipping %s: %v", entry.Name(), err)
			continue
		}
		skills = append(skills, skill)
	}
	sort.Slice(skills, func(i, j int) bool {
		return skills[i].Manifest.Name < skills[j].Manifest.Name
	})
	return skills, nil
}

// Enable clears the disabled marker.
func (r *Registry) Enable(name string) error {
	if _, err := r.Get(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(r.root, name, disabledMarker))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("enable skill %s: %w", name, err)
	}
	return nil
}

// Disable writes the disabled marker.
func (r *Registry) Disable(name string) error {
	if _, err := r.Get(name); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(r.root, name, disabledMarker), nil, 0o644); err != nil {
		return fmt.Errorf("disable skill %s: %w", name, err)
	}
	return nil
}

// Remove deletes an installed skill.
func (r *Registry) Remove(name string) error {
	if _, err := r.Get(name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(r.root, name)); err != nil {
		return fmt.Errorf("remove skill %s: %w", name, err)
	}
	r.logger.Info("skills: removed %s", name)
	return nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if !skillNamePattern.MatchString(manifest.Name) {
		return Manifest{}, fmt.Errorf("invalid skill name %q", manifest.Name)
	}
	if strings.TrimSpace(manifest.Version) == "" {
		return Manifest{}, fmt.Errorf("skill %s: version is required", manifest.Name)
	}
	return manifest, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

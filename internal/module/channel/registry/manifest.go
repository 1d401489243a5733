package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// ManifestFile is the entry file of a plugin directory.
const ManifestFile = "plugin.yaml"

var validate = validator.New()

// Manifest declares which adapter a plugin directory instantiates and how.
type Manifest struct {
	Name        string         `yaml:"name" validate:"omitempty,max=64"`
	Adapter     string         `yaml:"adapter" validate:"required"`
	DisplayName string         `yaml:"display_name"`
	Author      string         `yaml:"author"`
	Link        string         `yaml:"link" validate:"omitempty,url"`
	Notes       string         `yaml:"notes"`
	Enabled     *bool          `yaml:"enabled"`
	Options     plugin.Options `yaml:"options"`
}

// IsEnabled reports whether the manifest enables the plugin. Absent means enabled.
func (m Manifest) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// apply overlays manifest display fields onto an adapter descriptor.
func (m Manifest) apply(d plugin.Descriptor, name string) plugin.Descriptor {
	d = d.Public()
	d.Name = name
	if m.DisplayName != "" {
		d.DisplayName = m.DisplayName
	}
	if m.Author != "" {
		d.Author = m.Author
	}
	if m.Link != "" {
		d.Link = m.Link
	}
	if m.Notes != "" {
		d.Notes = m.Notes
	}
	return d
}

// readManifest parses <dir>/plugin.yaml. The name defaults to the directory
// name and must match it when set.
func readManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	base := filepath.Base(dir)
	if m.Name == "" {
		m.Name = base
	}
	if m.Name != base {
		return Manifest{}, fmt.Errorf("%w: name %q does not match directory %q", ErrInvalidManifest, m.Name, base)
	}
	if err := validate.Struct(m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return m, nil
}

// hashDir digests every regular file under dir, in path order, and returns
// the newest modification time seen.
func hashDir(dir string) (string, time.Time, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && ignored(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !ignored(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	sort.Strings(files)

	h := sha256.New()
	var newest time.Time
	for _, path := range files {
		rel, _ := filepath.Rel(dir, path)
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return "", time.Time{}, err
		}
		info, err := f.Stat()
		if err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", time.Time{}, err
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), newest, nil
}

// ignored matches hidden files and editor swap or backup files.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp")
}

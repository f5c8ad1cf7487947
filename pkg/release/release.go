// Package release reads and writes staged-build manifests.
//
// Each staged build lives in its own directory under the releases root with a
// release.yaml manifest. The STAGED pointer file names the most recently
// staged build; the agent's update check reads it. How the bytes of a build
// arrive in that directory is outside this package.
package release

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"hotswap/pkg/protocol"

	"gopkg.in/yaml.v3"
)

// buildIDPattern restricts build ids to safe directory names.
var buildIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

// ErrNotStaged means no build has been staged yet.
var ErrNotStaged = errors.New("no build staged")

// Manifest describes one staged build.
type Manifest struct {
	Build      string    `yaml:"build"`
	Executable string    `yaml:"executable"`
	Assets     []string  `yaml:"assets,omitempty"`
	StagedAt   time.Time `yaml:"staged_at"`
}

// ValidateBuildID reports whether id can name a release directory.
func ValidateBuildID(id string) error {
	if !buildIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid build id %q", id)
	}
	return nil
}

// Validate checks the manifest fields that do not touch the filesystem.
func (m Manifest) Validate() error {
	if err := ValidateBuildID(m.Build); err != nil {
		return err
	}
	if strings.TrimSpace(m.Executable) == "" {
		return fmt.Errorf("release %s: executable is required", m.Build)
	}
	for _, a := range m.Assets {
		if filepath.IsAbs(a) || strings.HasPrefix(filepath.Clean(a), "..") {
			return fmt.Errorf("release %s: asset %q must be relative to the release directory", m.Build, a)
		}
	}
	return nil
}

// Dir returns the directory of build under root.
func Dir(root, build string) string {
	return filepath.Join(root, build)
}

// ExecutablePath resolves the manifest's executable against the release dir.
func (m Manifest) ExecutablePath(root string) string {
	if filepath.IsAbs(m.Executable) {
		return m.Executable
	}
	return filepath.Join(Dir(root, m.Build), m.Executable)
}

// Stage writes the manifest and points STAGED at it.
func Stage(root string, m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.StagedAt.IsZero() {
		m.StagedAt = time.Now().UTC()
	}
	dir := Dir(root, m.Build)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create release dir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, protocol.ManifestName), data); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(root, protocol.StagedPointer), []byte(m.Build+"\n"))
}

// Load reads and validates the manifest of build, including that its
// executable exists.
func Load(root, build string) (*Manifest, error) {
	if err := ValidateBuildID(build); err != nil {
		return nil, err
	}
	path := filepath.Join(Dir(root, build), protocol.ManifestName)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a validated build id
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Build != build {
		return nil, fmt.Errorf("manifest %s names build %q", path, m.Build)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	info, err := os.Stat(m.ExecutablePath(root))
	if err != nil {
		return nil, fmt.Errorf("release %s executable: %w", build, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("release %s executable %s is a directory", build, m.ExecutablePath(root))
	}
	return &m, nil
}

// StagedBuild returns the build named by the STAGED pointer, or ErrNotStaged.
func StagedBuild(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, protocol.StagedPointer)) //nolint:gosec // fixed name under root
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotStaged
	}
	if err != nil {
		return "", fmt.Errorf("read staged pointer: %w", err)
	}
	build := strings.TrimSpace(string(data))
	if build == "" {
		return "", ErrNotStaged
	}
	if err := ValidateBuildID(build); err != nil {
		return "", err
	}
	return build, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

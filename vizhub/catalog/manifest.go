package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

// ManifestFileNames are tried in order inside an app directory.
var ManifestFileNames = []string{"app.yml", "app.yaml"}

// Manifest is the on-disk description of a trame app.
type Manifest struct {
	// Display name of the app
	Name string `yaml:"name"`

	// Shell command that starts an instance. It must append $JUVIZ_ARGS.
	Command string `yaml:"command"`

	// Optional: directory the command runs in
	WorkingDirectory string `yaml:"working_directory"`
}

// Validate checks the required keys.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	if m.Command == "" {
		return errors.New("command is required")
	}
	return nil
}

// FindManifest returns the first accepted manifest file in appDir.
func FindManifest(appDir string) (string, error) {
	for _, name := range ManifestFileNames {
		candidate := filepath.Join(appDir, name)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no %s or %s found", ManifestFileNames[0], ManifestFileNames[1])
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}

	return &manifest, nil
}

// ParseAppDir builds the descriptor for one app directory. Any failure is a
// configuration error naming the directory.
func ParseAppDir(appDir string) (*types.AppDescriptor, error) {
	absDir, err := filepath.Abs(appDir)
	if err != nil {
		return nil, types.ConfigurationError("resolve app directory", appDir, err)
	}

	manifestPath, err := FindManifest(absDir)
	if err != nil {
		return nil, types.ConfigurationError("locate manifest", absDir, err)
	}

	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, types.ConfigurationError("load manifest", absDir, err)
	}

	return &types.AppDescriptor{
		Name:             filepath.Base(absDir),
		DisplayName:      manifest.Name,
		ManifestPath:     manifestPath,
		Command:          manifest.Command,
		WorkingDirectory: manifest.WorkingDirectory,
	}, nil
}

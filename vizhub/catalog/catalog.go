// Package catalog discovers trame apps installed on the search paths.
//
// Each search path is expected to contain a "trame" directory with one
// subdirectory per app. An app directory holds an app.yml (or app.yaml)
// manifest:
//
//	name: Cone Viewer
//	command: python -m cone $JUVIZ_ARGS
//	working_directory: /opt/apps/cone
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomyedwab/vizhub/vizhub/types"
)

// AppsSubdir is the directory under each search path that holds apps.
const AppsSubdir = "trame"

// Catalog scans search paths for app manifests.
type Catalog struct {
	strict bool
	logger *slog.Logger
}

// Config holds configuration options for the Catalog.
type Config struct {
	// Lenient skips app directories with a missing or invalid manifest
	// instead of failing the whole scan.
	Lenient bool
	Logger  *slog.Logger // Optional, defaults to slog.Default()
}

// New creates a Catalog.
func New(config Config) *Catalog {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		strict: !config.Lenient,
		logger: logger.With("component", "Catalog"),
	}
}

// SearchPaths splits a path list such as $JUPYTER_PATH. Empty elements are
// dropped and an empty value yields no paths.
func SearchPaths(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var paths []string
	for _, p := range filepath.SplitList(value) {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Discover returns the descriptors of every app found under searchPaths.
// Paths are processed in order and apps within a path in directory-listing
// order. Names are not de-duplicated across paths.
func (c *Catalog) Discover(searchPaths []string) ([]types.AppDescriptor, error) {
	c.logger.Info("Searching for trame apps", "paths", searchPaths)

	apps := make([]types.AppDescriptor, 0)
	skipped := 0
	for _, searchPath := range searchPaths {
		appsDir := filepath.Join(searchPath, AppsSubdir)
		info, err := os.Stat(appsDir)
		if err != nil || !info.IsDir() {
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("Cannot stat apps directory", "path", appsDir, "error", err)
			}
			continue
		}

		entries, err := os.ReadDir(appsDir)
		if err != nil {
			if c.strict {
				return nil, types.ConfigurationError("read apps directory", appsDir, err)
			}
			c.logger.Warn("Cannot read apps directory, skipping", "path", appsDir, "error", err)
			continue
		}

		for _, entry := range entries {
			if !isDirEntry(appsDir, entry) {
				continue
			}

			app, err := ParseAppDir(filepath.Join(appsDir, entry.Name()))
			if err != nil {
				if c.strict {
					return nil, fmt.Errorf("discover apps: %w", err)
				}
				c.logger.Warn("Skipping invalid trame app", "error", err)
				skipped++
				continue
			}

			c.logger.Info("Found trame app config", "name", app.Name, "manifest", app.ManifestPath)
			apps = append(apps, *app)
		}
	}

	c.logger.Info("App discovery complete", "discovered", len(apps), "skipped", skipped)
	return apps, nil
}

// isDirEntry follows symlinks so that linked app directories are found.
func isDirEntry(parent string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(parent, entry.Name()))
	return err == nil && info.IsDir()
}

package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// manifestNames are tried in order in every plugin directory.
var manifestNames = []string{ManifestFileName, "plugin.yaml", "plugin.yml"}

// Discovered is a plugin directory containing a manifest.
type Discovered struct {
	ID           string
	Path         string
	ManifestPath string
}

// Discovery scans directories for plugins.
type Discovery struct {
	logger zerolog.Logger
}

// NewDiscovery creates a discovery instance.
func NewDiscovery(logger zerolog.Logger) *Discovery {
	return &Discovery{
		logger: logger.With().Str("component", "plugin-discovery").Logger(),
	}
}

// Discover returns the immediate subdirectories of dirs that hold a
// manifest, in directory then name order. Symlinked plugin directories are
// followed. A root listed twice is scanned once; missing roots are skipped
// and unreadable ones are logged.
func (d *Discovery) Discover(dirs ...string) []Discovered {
	var found []Discovered
	seen := make(map[string]bool)

	for _, root := range dirs {
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err == nil {
			if seen[abs] {
				continue
			}
			seen[abs] = true
		}

		plugins, err := d.scan(root)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			d.logger.Debug().Str("dir", root).Msg("Plugin directory does not exist")
		case err != nil:
			d.logger.Warn().Err(err).Str("dir", root).Msg("Failed to scan plugin directory")
		default:
			found = append(found, plugins...)
		}
	}

	d.logger.Info().Int("count", len(found)).Msg("Plugin discovery completed")
	return found
}

func (d *Discovery) scan(root string) ([]Discovered, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var found []Discovered
	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		if !isDir(entry, dir) {
			continue
		}
		manifest, ok := d.findManifest(dir)
		if !ok {
			continue
		}
		found = append(found, Discovered{ID: entry.Name(), Path: dir, ManifestPath: manifest})
		d.logger.Debug().Str("id", entry.Name()).Str("manifest", manifest).Msg("Discovered plugin")
	}
	return found, nil
}

func isDir(entry fs.DirEntry, path string) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (d *Discovery) findManifest(dir string) (string, bool) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		_, err := os.Stat(path)
		if err == nil {
			return path, true
		}
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn().Err(err).Str("path", path).Msg("Failed to check for manifest")
		}
	}
	return "", false
}

package packages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Catalog is the YAML file listing published packages:
//
//	packages:
//	  - name: echo
//	    versions:
//	      - version: 1.2.0
//	        artifact: ./artifacts/echo-1.2.0.zip
//
// Relative artifact paths are resolved against the catalog's directory.
type Catalog struct {
	Packages []CatalogPackage `yaml:"packages"`
}

type CatalogPackage struct {
	Name     string           `yaml:"name"`
	Versions []CatalogVersion `yaml:"versions"`
}

type CatalogVersion struct {
	Version  string `yaml:"version"`
	Artifact string `yaml:"artifact"`
}

// LoadCatalog reads and validates the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range catalog.Packages {
		pkg := &catalog.Packages[i]
		if pkg.Name == "" {
			return nil, fmt.Errorf("catalog %s: package %d has no name", path, i)
		}
		for j := range pkg.Versions {
			v := &pkg.Versions[j]
			if v.Version == "" || v.Artifact == "" {
				return nil, fmt.Errorf("catalog %s: %s entry %d needs version and artifact", path, pkg.Name, j)
			}
			if !filepath.IsAbs(v.Artifact) {
				v.Artifact = filepath.Join(base, v.Artifact)
			}
		}
	}
	return &catalog, nil
}

// Sync makes the store contain exactly the catalog's versions.
func (s *Store) Sync(catalog *Catalog) (added, removed int, err error) {
	wanted := make(map[[2]string]string)
	for _, pkg := range catalog.Packages {
		for _, v := range pkg.Versions {
			wanted[[2]string{pkg.Name, v.Version}] = v.Artifact
		}
	}

	existing, err := s.List()
	if err != nil {
		return 0, 0, err
	}
	tx, err := s.DB.Beginx()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	have := make(map[[2]string]string, len(existing))
	for _, pv := range existing {
		key := [2]string{pv.Name, pv.Version}
		have[key] = pv.Artifact
		if _, ok := wanted[key]; !ok {
			if _, err := tx.Exec(deleteVersionV1Sql, pv.Name, pv.Version); err != nil {
				return 0, 0, err
			}
			removed++
		}
	}
	for key, artifact := range wanted {
		if current, ok := have[key]; ok && current == artifact {
			continue
		}
		if _, err := tx.Exec(upsertVersionV1Sql, key[0], key[1], artifact, now); err != nil {
			return 0, 0, err
		}
		added++
	}
	return added, removed, tx.Commit()
}

// CatalogWatcher reloads the catalog into the store whenever the file
// changes. The parent directory is watched so editors that replace the file
// by rename are picked up.
type CatalogWatcher struct {
	path     string
	store    *Store
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

func NewCatalogWatcher(path string, store *Store, debounce time.Duration, logger *slog.Logger) *CatalogWatcher {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogWatcher{
		path:     filepath.Clean(path),
		store:    store,
		debounce: debounce,
		logger:   logger.With("component", "CatalogWatcher"),
	}
}

// Reload loads the catalog and syncs it into the store.
func (cw *CatalogWatcher) Reload() error {
	catalog, err := LoadCatalog(cw.path)
	if err != nil {
		return err
	}
	added, removed, err := cw.store.Sync(catalog)
	if err != nil {
		return fmt.Errorf("failed to sync catalog: %w", err)
	}
	cw.logger.Info("Catalog synced", "path", cw.path, "added", added, "removed", removed)
	return nil
}

// Watch blocks until ctx is cancelled.
func (cw *CatalogWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(cw.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", cw.path, err)
	}
	cw.logger.Info("Catalog watcher started", "path", cw.path)

	defer func() {
		cw.mu.Lock()
		if cw.timer != nil {
			cw.timer.Stop()
		}
		cw.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cw.logger.Debug("Catalog event", "op", event.Op.String())
			cw.trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			cw.logger.Error("Catalog watcher error", "error", err)
		}
	}
}

func (cw *CatalogWatcher) trigger() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		if err := cw.Reload(); err != nil {
			cw.logger.Error("Catalog reload failed", "error", err)
		}
	})
}

package packages

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DescriptorName is the package descriptor at the package root.
	DescriptorName = "package.json"
	// DefaultStartScript is used when the descriptor names no main script.
	DefaultStartScript = "start.sh"
)

// Descriptor is the subset of package.json the launcher needs.
type Descriptor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Main    string `json:"main"`
	Image   string `json:"image,omitempty"`
}

// ReadDescriptor loads dir/package.json. A missing descriptor yields the
// defaults; Main always ends up set.
func ReadDescriptor(dir string) (*Descriptor, error) {
	desc := &Descriptor{}
	data, err := os.ReadFile(filepath.Join(dir, DescriptorName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, desc); err != nil {
			return nil, fmt.Errorf("invalid %s in %s: %w", DescriptorName, dir, err)
		}
	}
	if desc.Main == "" {
		desc.Main = DefaultStartScript
	}
	if filepath.IsAbs(desc.Main) || strings.HasPrefix(filepath.Clean(desc.Main), "..") {
		return nil, fmt.Errorf("start script %q escapes package directory %s", desc.Main, dir)
	}
	return desc, nil
}

// PackageManager maps published artifacts onto install directories.
type PackageManager struct {
	installDir string
}

func NewPackageManager(installDir string) (*PackageManager, error) {
	if installDir == "" {
		return nil, errors.New("install directory is required")
	}
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return nil, err
	}
	return &PackageManager{installDir: installDir}, nil
}

func (pm *PackageManager) GetInstallDir() string {
	return pm.installDir
}

// PackageDir is where a zipped artifact for name@version is unpacked.
func (pm *PackageManager) PackageDir(name, version string) string {
	return filepath.Join(pm.installDir, sanitizePathElement(name), sanitizePathElement(version))
}

// PrepareInstallDir returns the directory holding the unpacked files of pv.
// Directory artifacts are used in place. Zip artifacts are unpacked into
// PackageDir once; an existing non-empty directory is reused.
func (pm *PackageManager) PrepareInstallDir(pv *PackageVersion) (string, error) {
	info, err := os.Stat(pv.Artifact)
	if err != nil {
		return "", fmt.Errorf("artifact for %s@%s: %w", pv.Name, pv.Version, err)
	}
	if info.IsDir() {
		return pv.Artifact, nil
	}
	if !strings.HasSuffix(strings.ToLower(pv.Artifact), ".zip") {
		return "", fmt.Errorf("unsupported artifact %s for %s@%s", pv.Artifact, pv.Name, pv.Version)
	}

	dest := pm.PackageDir(pv.Name, pv.Version)
	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return dest, nil
	}

	// Unpack next to the destination and rename so a half-written tree is
	// never mistaken for an unpacked package.
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dest), ".unpack-*")
	if err != nil {
		return "", err
	}
	if err := Unzip(pv.Artifact, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to unpack %s: %w", pv.Artifact, err)
	}
	os.RemoveAll(dest)
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	return dest, nil
}

var pathElementReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

func sanitizePathElement(s string) string {
	return pathElementReplacer.Replace(s)
}

func Unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	// Closure to address file descriptors issue with all the deferred .Close() methods
	extractAndWriteFile := func(f *zip.File) error {
		path := filepath.Join(dest, f.Name)

		// Check for ZipSlip (Directory traversal)
		if !strings.HasPrefix(path, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path: %s", path)
		}

		if f.FileInfo().IsDir() {
			return os.MkdirAll(path, 0755)
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()|0600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}

	for _, f := range r.File {
		if err := extractAndWriteFile(f); err != nil {
			return err
		}
	}
	return nil
}

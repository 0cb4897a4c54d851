package provision

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"
)

type PathKind string

const (
	PathKindDirectory PathKind = "directory"
	PathKindFile      PathKind = "file"
)

// ManagedPath is a filesystem location that must exist before any process starts
type ManagedPath struct {
	Path string
	Kind PathKind
}

// NewManagedPath infers the kind from the extension: a path with an extension is a file
func NewManagedPath(path string) ManagedPath {
	kind := PathKindDirectory
	if filepath.Ext(path) != "" {
		kind = PathKindFile
	}
	return ManagedPath{Path: path, Kind: kind}
}

type Provisioner struct {
	logger logging.Logger
}

func NewProvisioner(logger logging.Logger) *Provisioner {
	return &Provisioner{logger: logger}
}

// EnsureAll creates every missing path in declaration order. Directories are created one
// segment at a time, so parents must be declared (or exist) before their children.
// Existing paths are left untouched.
func (p *Provisioner) EnsureAll(paths []ManagedPath) error {
	created := 0
	for _, mp := range paths {
		ok, err := p.ensure(mp)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}
	p.logger.Debugf("Provisioned paths, declared: %d, created: %d", len(paths), created)
	return nil
}

func (p *Provisioner) ensure(mp ManagedPath) (bool, error) {
	if mp.Path == "" {
		return false, errors.NewValidationError("managed path cannot be empty", nil)
	}
	if !filepath.IsAbs(mp.Path) {
		return false, errors.NewValidationError("managed path must be absolute", nil).WithContext("path", mp.Path)
	}

	if _, err := os.Lstat(mp.Path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, errors.NewProvisioningError("failed to inspect path", err).WithContext("path", mp.Path)
	}

	switch mp.Kind {
	case PathKindFile:
		f, err := os.OpenFile(mp.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return false, errors.NewProvisioningError("failed to create file", err).
				WithContext("path", mp.Path).WithContext("kind", string(mp.Kind))
		}
		if err := f.Close(); err != nil {
			return false, errors.NewProvisioningError("failed to close file", err).WithContext("path", mp.Path)
		}
	case PathKindDirectory:
		if err := os.Mkdir(mp.Path, 0o755); err != nil {
			return false, errors.NewProvisioningError("failed to create directory", err).
				WithContext("path", mp.Path).WithContext("kind", string(mp.Kind))
		}
	default:
		return false, errors.NewValidationError(fmt.Sprintf("unsupported path kind: %s", mp.Kind), nil).
			WithContext("path", mp.Path)
	}

	p.logger.Infof("Created %s %s", mp.Kind, mp.Path)
	return true, nil
}

// DefaultLayout returns the volume tree used by the background services, parents first
func DefaultLayout(baseDir string) []ManagedPath {
	volume := filepath.Join(baseDir, "volume")
	geth := filepath.Join(volume, "geth")

	return []ManagedPath{
		NewManagedPath(volume),
		NewManagedPath(geth),
		NewManagedPath(filepath.Join(geth, "keystore")),
		NewManagedPath(filepath.Join(geth, "clef")),
		NewManagedPath(filepath.Join(geth, "clef.ipc")),
		NewManagedPath(filepath.Join(geth, "ethereum")),
		NewManagedPath(filepath.Join(geth, "ethash")),
		NewManagedPath(filepath.Join(volume, "influxdb")),
		NewManagedPath(filepath.Join(volume, "ganache")),
		NewManagedPath(filepath.Join(volume, "logs")),
	}
}

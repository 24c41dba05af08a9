// Package fs wraps the filesystem operations used by the proxy so that
// consumers can be exercised against an in-memory implementation in tests.
package fs

import (
	"os"

	"go.uber.org/fx"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ProxyFS wraps the filesystem operations used by the proxy.
type ProxyFS interface {
	FileExists(path string) (bool, error)
	ReadFile(name string) ([]byte, error)
}

type fsImpl struct{}

// New creates a new ProxyFS.
func New() ProxyFS {
	return fsImpl{}
}

// FileExists reports whether the path exists and is a regular file.
func (fsImpl) FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// ReadFile reads the named file.
func (fsImpl) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// Package auth implements the pluggable authentication backend capability
// set: {init(config), reconfigure(config), shutdown(), plus domain
// methods}. Only a trivial "none" backend ships here; real credential
// verification lives in external plugins. The interface is what pkg/rpc
// dispatches through, so swapping backend names is a config change, not a
// code change.
package auth

import (
	"fmt"

	"github.com/cuemby/ctld/pkg/ctlerrors"
)

// Identity is what a verified credential resolves to.
type Identity struct {
	UID int
	GID int
}

// Backend is the capability set every auth plugin implements.
type Backend interface {
	Name() string
	Init(config map[string]string) error
	Reconfigure(config map[string]string) error
	Shutdown() error
	Verify(cred []byte) (Identity, error)
}

// noneBackend accepts any credential and resolves to uid/gid 0, matching
// Slurm's auth/none development backend.
type noneBackend struct{}

func (noneBackend) Name() string                             { return "auth/none" }
func (noneBackend) Init(map[string]string) error              { return nil }
func (noneBackend) Reconfigure(map[string]string) error       { return nil }
func (noneBackend) Shutdown() error                           { return nil }
func (noneBackend) Verify([]byte) (Identity, error)           { return Identity{}, nil }

// registry of known backend constructors, keyed by config AuthType name.
var registry = map[string]func() Backend{
	"auth/none": func() Backend { return noneBackend{} },
}

// Load instantiates and initialises the named backend.
func Load(name string, config map[string]string) (Backend, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("auth: unknown backend %q", name)
	}
	b := ctor()
	if err := b.Init(config); err != nil {
		return nil, err
	}
	return b, nil
}

// Switch calls Reconfigure on the existing instance when the configured
// name is unchanged across reconfigure. When the name changed it loads
// nothing: it returns the current backend unchanged together with
// ctlerrors.InvalidAuthTypeChange, a soft error surfaced to the operator
// (the new backend takes effect only after a restart), not a silent
// reinitialisation.
func Switch(current Backend, newName string, config map[string]string) (Backend, *ctlerrors.Error) {
	if current != nil && current.Name() == newName {
		if err := current.Reconfigure(config); err != nil {
			return current, ctlerrors.Newf(ctlerrors.Internal, "auth reconfigure: %v", err)
		}
		return current, nil
	}
	return current, ctlerrors.Newf(ctlerrors.InvalidAuthTypeChange, "authtype changed to %s; restart required", newName)
}

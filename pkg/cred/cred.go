package cred

import (
	"os"
	"path/filepath"

	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/pkg/errors"
)

// ID names a credential slot in the device credential store.
type ID int

const (
	// PublicKeyFirmware is the firmware package verification key.
	PublicKeyFirmware ID = iota
	// PublicKeySoftware is the software package verification key.
	PublicKeySoftware
)

func (id ID) String() string {
	switch id {
	case PublicKeyFirmware:
		return "fw-public-key"
	case PublicKeySoftware:
		return "sw-public-key"
	}
	return "unknown-credential"
}

// MaxCredentialLen bounds a stored credential; anything larger is rejected
// with an overflow result.
const MaxCredentialLen = 4000

// Store is the device credential store. The agent consumes it; provisioning
// is someone else's problem.
type Store interface {
	// Credential returns the raw bytes for the slot. serverID scopes
	// server-bound credentials; pass lwm2m.NoServerID for device-wide
	// material such as package keys.
	Credential(id ID, serverID uint16) ([]byte, error)
}

// fileStore reads credentials from flat files under a directory. This is the
// default production binding; secure elements plug in behind the same
// interface.
type fileStore struct {
	dir string
}

// NewFileStore returns a Store over the given directory.
func NewFileStore(dir string) Store {
	return &fileStore{dir: dir}
}

func (s *fileStore) Credential(id ID, serverID uint16) ([]byte, error) {
	var name string
	switch id {
	case PublicKeyFirmware:
		name = "fw.pub"
	case PublicKeySoftware:
		name = "sw.pub"
	default:
		return nil, errors.Wrapf(lwm2m.ErrInvalidArg, "credential %d", int(id))
	}
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(lwm2m.ErrNotFound, "credential %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading credential %s", id)
	}
	if len(b) > MaxCredentialLen {
		return nil, errors.Wrapf(lwm2m.ErrOverflow, "credential %s is %d bytes", id, len(b))
	}
	return b, nil
}

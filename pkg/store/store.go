package store

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/pkg/errors"
)

// recordSize is the width of a persisted enum value.
const recordSize = 4

// Store is the file-per-value record store backing the update state
// machine. Reads of absent or short records yield the caller's default;
// writes truncate and rewrite the whole value and reach stable storage
// before returning.
type Store struct {
	log logging.Logger
	dir string
}

func New(log logging.Logger, dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.Wrap(lwm2m.ErrInvalidArg, "storage directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating storage directory")
	}
	return &Store{log: log, dir: dir}, nil
}

// WriteUint32 persists an enum-sized record under the given relative name,
// such as "fw/updateState".
func (s *Store) WriteUint32(name string, v uint32) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return s.writeWhole(name, buf[:])
}

// ReadUint32 reads an enum-sized record. An absent, short, or unreadable
// record is not an error; the caller's default is returned instead.
func (s *Store) ReadUint32(name string, def uint32) uint32 {
	b, err := os.ReadFile(s.path(name))
	if err != nil || len(b) < recordSize {
		return def
	}
	return binary.LittleEndian.Uint32(b)
}

// Delete removes a record. A missing record is not an error.
func (s *Store) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing record %s", name)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

func (s *Store) writeWhole(name string, b []byte) error {
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return errors.Wrapf(err, "creating record directory for %s", name)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrapf(err, "opening record %s", name)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing record %s", name)
	}
	// The device may lose power right after the server write is
	// acknowledged; the record must already be durable by then.
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "syncing record %s", name)
	}
	return errors.Wrapf(f.Close(), "closing record %s", name)
}

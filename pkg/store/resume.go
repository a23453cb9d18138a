package store

import (
	"os"

	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

const resumeRecord = "resume"

// ResumeDescriptor is the persisted snapshot of an in-flight download. It is
// only meaningful while the owning record pair reads (DOWNLOADING,
// default-result); the update machine clears it on every terminal
// transition.
type ResumeDescriptor struct {
	URI         string             `cbor:"1,keyasint"`
	Type        lwm2m.PackageType  `cbor:"2,keyasint"`
	Offset      uint64             `cbor:"3,keyasint"`
	DigestState []byte             `cbor:"4,keyasint,omitempty"`
	CRC         uint32             `cbor:"5,keyasint"`
}

// WriteResume persists the descriptor.
func (s *Store) WriteResume(d *ResumeDescriptor) error {
	if d == nil {
		return errors.Wrap(lwm2m.ErrInvalidArg, "resume descriptor")
	}
	b, err := cbor.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encoding resume descriptor")
	}
	return s.writeWhole(resumeRecord, b)
}

// ReadResume loads the descriptor. The found flag distinguishes an absent
// descriptor from a present one; a present but undecodable descriptor is
// reported as an error so the caller can treat it as a corrupted resume
// point rather than silently starting over.
func (s *Store) ReadResume() (*ResumeDescriptor, bool, error) {
	b, err := os.ReadFile(s.path(resumeRecord))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading resume descriptor")
	}
	var d ResumeDescriptor
	if err := cbor.Unmarshal(b, &d); err != nil {
		return nil, true, errors.Wrap(err, "decoding resume descriptor")
	}
	return &d, true, nil
}

// ClearResume removes the descriptor. Clearing an absent descriptor is a
// no-op.
func (s *Store) ClearResume() error {
	return s.Delete(resumeRecord)
}

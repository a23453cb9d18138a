package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding"
	"hash"

	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/pkg/errors"
)

// ContextSize is the serialized size of a digest context: the SHA-1 magic,
// chaining values, pending block, and processed length. Callers passing a
// smaller buffer to Snapshot are rejected.
const ContextSize = 96

// Digest accumulates a package digest incrementally so arbitrarily large
// packages verify inside a bounded context. The running state serializes and
// restores across chunk boundaries, which is what lets a download suspend
// and later continue hashing where it stopped instead of starting over.
type Digest struct {
	h hash.Hash
}

// NewDigest returns a digest context ready to accept chunks.
func NewDigest() *Digest {
	return &Digest{h: sha1.New()}
}

// Process feeds one chunk into the running digest. Pure accumulation; no
// allocation beyond the hash state itself.
func (d *Digest) Process(p []byte) error {
	if d == nil || d.h == nil {
		return errors.Wrap(lwm2m.ErrInvalidArg, "digest context")
	}
	if p == nil {
		return errors.Wrap(lwm2m.ErrInvalidArg, "digest input")
	}
	d.h.Write(p)
	return nil
}

// State returns the serialized running context. Never call concurrently with
// Process on the same context; serialization is only defined between chunks.
func (d *Digest) State() ([]byte, error) {
	if d == nil || d.h == nil {
		return nil, errors.Wrap(lwm2m.ErrInvalidArg, "digest context")
	}
	m, ok := d.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.Wrap(lwm2m.ErrGeneral, "digest state not serializable")
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "serializing digest state")
	}
	return state, nil
}

// Snapshot serializes the running context into the caller's buffer and
// returns the number of bytes written. Buffers smaller than ContextSize are
// rejected.
func (d *Digest) Snapshot(buf []byte) (int, error) {
	if len(buf) < ContextSize {
		return 0, errors.Wrapf(lwm2m.ErrIncorrectRange, "snapshot buffer %d < %d", len(buf), ContextSize)
	}
	state, err := d.State()
	if err != nil {
		return 0, err
	}
	return copy(buf, state), nil
}

// Restore replaces the context with a previously serialized state.
func (d *Digest) Restore(state []byte) error {
	if d == nil || len(state) == 0 {
		return errors.Wrap(lwm2m.ErrInvalidArg, "digest state")
	}
	h := sha1.New()
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return errors.Wrap(lwm2m.ErrGeneral, "digest state not restorable")
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return errors.Wrap(lwm2m.ErrInvalidArg, "restoring digest state")
	}
	d.h = h
	return nil
}

// Cancel resets the context to empty. Always succeeds; further use requires
// a new context or a Restore.
func (d *Digest) Cancel() {
	if d != nil {
		d.h = nil
	}
}

// Verify finalizes the digest, selects the package class key, and checks the
// RSA-PSS signature over the digest. Any verification failure is reported
// uniformly; callers get no partial-success signal.
func (d *Digest) Verify(t lwm2m.PackageType, signature []byte, keys *KeyRing) error {
	if d == nil || d.h == nil || keys == nil {
		return errors.Wrap(lwm2m.ErrInvalidArg, "digest verify")
	}
	if len(signature) == 0 {
		return errors.Wrap(lwm2m.ErrInvalidArg, "package signature")
	}
	// Key retrieval failures report uniformly with every other
	// verification failure.
	pub, err := keys.PublicKey(t)
	if err != nil {
		return errors.Wrap(lwm2m.ErrGeneral, "package verification key unavailable")
	}
	sum := d.h.Sum(nil)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA1}
	if err := rsa.VerifyPSS(pub, crypto.SHA1, sum, signature, opts); err != nil {
		return errors.Wrap(lwm2m.ErrGeneral, "package signature rejected")
	}
	return nil
}

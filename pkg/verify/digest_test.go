package verify

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"testing"

	"github.com/edgeworks/avc-agent/pkg/cred"
	"github.com/edgeworks/avc-agent/pkg/internal/testoutput"
	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"gotest.tools/assert"
)

type fakeCreds struct {
	m map[cred.ID][]byte
}

func (f *fakeCreds) Credential(id cred.ID, serverID uint16) ([]byte, error) {
	b, ok := f.m[id]
	if !ok {
		return nil, lwm2m.ErrNotFound
	}
	return b, nil
}

type signedPackage struct {
	key     *rsa.PrivateKey
	payload []byte
	sig     []byte
}

func newSignedPackage(t *testing.T, size int) *signedPackage {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.NilError(t, err)
	payload := make([]byte, size)
	_, err = rand.Read(payload)
	assert.NilError(t, err)
	sum := sha1.Sum(payload)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA1, sum[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA1,
	})
	assert.NilError(t, err)
	return &signedPackage{key: key, payload: payload, sig: sig}
}

func (p *signedPackage) keyRingRaw(t *testing.T) *KeyRing {
	t.Helper()
	raw := x509.MarshalPKCS1PublicKey(&p.key.PublicKey)
	return NewKeyRing(testoutput.Logger(t, logging.New("verify")), &fakeCreds{
		m: map[cred.ID][]byte{cred.PublicKeyFirmware: raw, cred.PublicKeySoftware: raw},
	})
}

func (p *signedPackage) keyRingSPKI(t *testing.T) *KeyRing {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&p.key.PublicKey)
	assert.NilError(t, err)
	return NewKeyRing(testoutput.Logger(t, logging.New("verify")), &fakeCreds{
		m: map[cred.ID][]byte{cred.PublicKeyFirmware: der},
	})
}

func TestDigestVerifyBothKeyEncodings(t *testing.T) {
	pkg := newSignedPackage(t, 4096)

	for name, keys := range map[string]*KeyRing{
		"raw-pkcs1":               pkg.keyRingRaw(t),
		"subject-public-key-info": pkg.keyRingSPKI(t),
	} {
		t.Run(name, func(t *testing.T) {
			d := NewDigest()
			assert.NilError(t, d.Process(pkg.payload))
			assert.NilError(t, d.Verify(lwm2m.PackageFirmware, pkg.sig, keys))
		})
	}
}

func TestDigestSplitRoundTrip(t *testing.T) {
	pkg := newSignedPackage(t, 10000)
	keys := pkg.keyRingRaw(t)

	for _, split := range []int{0, 1, 63, 64, 65, 4096, 9999, 10000} {
		t.Run(fmt.Sprintf("split(%d)", split), func(t *testing.T) {
			d := NewDigest()
			assert.NilError(t, d.Process(pkg.payload[:split]))

			state, err := d.State()
			assert.NilError(t, err)
			assert.Equal(t, len(state), ContextSize)

			restored := NewDigest()
			assert.NilError(t, restored.Restore(state))
			assert.NilError(t, restored.Process(pkg.payload[split:]))
			assert.NilError(t, restored.Verify(lwm2m.PackageFirmware, pkg.sig, keys))
		})
	}
}

func TestDigestVerifyRejectsMutation(t *testing.T) {
	pkg := newSignedPackage(t, 2048)

	t.Run("payload", func(t *testing.T) {
		mutated := append([]byte{}, pkg.payload...)
		mutated[100] ^= 0x01
		d := NewDigest()
		assert.NilError(t, d.Process(mutated))
		err := d.Verify(lwm2m.PackageFirmware, pkg.sig, pkg.keyRingRaw(t))
		assert.Check(t, lwm2m.Is(err, lwm2m.ErrGeneral))
	})

	t.Run("signature", func(t *testing.T) {
		sig := append([]byte{}, pkg.sig...)
		sig[10] ^= 0x01
		d := NewDigest()
		assert.NilError(t, d.Process(pkg.payload))
		err := d.Verify(lwm2m.PackageFirmware, sig, pkg.keyRingRaw(t))
		assert.Check(t, lwm2m.Is(err, lwm2m.ErrGeneral))
	})

	t.Run("key", func(t *testing.T) {
		raw := x509.MarshalPKCS1PublicKey(&pkg.key.PublicKey)
		raw[20] ^= 0x01
		keys := NewKeyRing(testoutput.Logger(t, logging.New("verify")), &fakeCreds{
			m: map[cred.ID][]byte{cred.PublicKeyFirmware: raw},
		})
		d := NewDigest()
		assert.NilError(t, d.Process(pkg.payload))
		err := d.Verify(lwm2m.PackageFirmware, pkg.sig, keys)
		assert.Check(t, lwm2m.Is(err, lwm2m.ErrGeneral))
	})
}

func TestDigestVerifyMissingKeyIsGeneralError(t *testing.T) {
	pkg := newSignedPackage(t, 64)
	keys := NewKeyRing(testoutput.Logger(t, logging.New("verify")), &fakeCreds{})

	d := NewDigest()
	assert.NilError(t, d.Process(pkg.payload))
	err := d.Verify(lwm2m.PackageFirmware, pkg.sig, keys)
	assert.Check(t, lwm2m.Is(err, lwm2m.ErrGeneral))
}

func TestDigestSnapshotBounds(t *testing.T) {
	d := NewDigest()
	assert.NilError(t, d.Process([]byte("abc")))

	short := make([]byte, ContextSize-1)
	_, err := d.Snapshot(short)
	assert.Check(t, lwm2m.Is(err, lwm2m.ErrIncorrectRange))

	buf := make([]byte, ContextSize)
	n, err := d.Snapshot(buf)
	assert.NilError(t, err)
	assert.Equal(t, n, ContextSize)

	restored := NewDigest()
	assert.NilError(t, restored.Restore(buf[:n]))
}

func TestDigestInvalidArgs(t *testing.T) {
	var nilDigest *Digest
	assert.Check(t, lwm2m.Is(nilDigest.Process([]byte("x")), lwm2m.ErrInvalidArg))

	d := NewDigest()
	assert.Check(t, lwm2m.Is(d.Process(nil), lwm2m.ErrInvalidArg))
	assert.Check(t, lwm2m.Is(d.Restore(nil), lwm2m.ErrInvalidArg))

	d.Cancel()
	assert.Check(t, lwm2m.Is(d.Process([]byte("x")), lwm2m.ErrInvalidArg))
}

func TestKeyRingUnknownType(t *testing.T) {
	keys := NewKeyRing(testoutput.Logger(t, logging.New("verify")), &fakeCreds{})
	_, err := keys.PublicKey(lwm2m.PackageType(42))
	assert.Check(t, lwm2m.Is(err, lwm2m.ErrInvalidArg))
}

func TestKeyRingCachesParsedKey(t *testing.T) {
	pkg := newSignedPackage(t, 64)
	creds := &fakeCreds{m: map[cred.ID][]byte{
		cred.PublicKeyFirmware: x509.MarshalPKCS1PublicKey(&pkg.key.PublicKey),
	}}
	keys := NewKeyRing(testoutput.Logger(t, logging.New("verify")), creds)

	first, err := keys.PublicKey(lwm2m.PackageFirmware)
	assert.NilError(t, err)

	// Dropping the credential must not matter while the parse is cached.
	delete(creds.m, cred.PublicKeyFirmware)
	second, err := keys.PublicKey(lwm2m.PackageFirmware)
	assert.NilError(t, err)
	assert.Check(t, first.Equal(second))
}

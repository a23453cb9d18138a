package verify

import (
	"crypto/rsa"
	"crypto/x509"
	"time"

	"github.com/edgeworks/avc-agent/pkg/cred"
	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/karlseguin/ccache"
	"github.com/pkg/errors"
)

const keyCacheTTL = time.Minute * 5

// KeyRing resolves package-class verification keys from the credential
// store, caching parsed keys so repeated verifications do not re-read and
// re-parse the credential.
type KeyRing struct {
	log   logging.Logger
	creds cred.Store
	cache *ccache.Cache
}

func NewKeyRing(log logging.Logger, creds cred.Store) *KeyRing {
	return &KeyRing{
		log:   log,
		creds: creds,
		cache: ccache.New(ccache.Configure().MaxSize(8).ItemsToPrune(2)),
	}
}

// PublicKey returns the verification key for the given package class.
func (k *KeyRing) PublicKey(t lwm2m.PackageType) (*rsa.PublicKey, error) {
	var id cred.ID
	switch t {
	case lwm2m.PackageFirmware:
		id = cred.PublicKeyFirmware
	case lwm2m.PackageSoftware:
		id = cred.PublicKeySoftware
	default:
		return nil, errors.Wrapf(lwm2m.ErrInvalidArg, "package type %d", int(t))
	}

	if item := k.cache.Get(id.String()); item != nil && !item.Expired() {
		if pub, ok := item.Value().(*rsa.PublicKey); ok {
			return pub, nil
		}
	}

	raw, err := k.creds.Credential(id, lwm2m.NoServerID)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving %s", id)
	}
	pub, err := parseRSAPublicKey(raw)
	if err != nil {
		k.log.WithError(err).WithField("credential", id.String()).Error("unparsable verification key")
		return nil, errors.Wrapf(lwm2m.ErrGeneral, "parsing %s", id)
	}
	k.cache.Set(id.String(), pub, keyCacheTTL)
	return pub, nil
}

// rsaAlgorithmIdentifier is the DER AlgorithmIdentifier for rsaEncryption
// with a NULL parameter, the fixed prefix used to re-wrap raw key material.
var rsaAlgorithmIdentifier = []byte{
	0x30, 0x0d,
	0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01,
	0x05, 0x00,
}

// parseRSAPublicKey accepts either encoding the credential store is known to
// emit: a full SubjectPublicKeyInfo, or a bare PKCS#1 RSAPublicKey. The
// SubjectPublicKeyInfo parse is attempted first; on failure the raw bytes
// are re-wrapped with the fixed rsaEncryption prefix and parsed again. Both
// orderings must stay: the store does not say which form it holds.
func parseRSAPublicKey(raw []byte) (*rsa.PublicKey, error) {
	if pub, err := parseSubjectPublicKeyInfo(raw); err == nil {
		return pub, nil
	}
	return parseSubjectPublicKeyInfo(wrapSubjectPublicKeyInfo(raw))
}

func parseSubjectPublicKeyInfo(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unexpected key type %T", key)
	}
	return pub, nil
}

// wrapSubjectPublicKeyInfo builds SEQUENCE { rsaAlgorithmIdentifier,
// BIT STRING { raw } } around a bare key.
func wrapSubjectPublicKeyInfo(raw []byte) []byte {
	bits := make([]byte, 0, len(raw)+8)
	bits = append(bits, 0x03)
	bits = append(bits, derLength(len(raw)+1)...)
	bits = append(bits, 0x00)
	bits = append(bits, raw...)

	body := make([]byte, 0, len(rsaAlgorithmIdentifier)+len(bits))
	body = append(body, rsaAlgorithmIdentifier...)
	body = append(body, bits...)

	out := make([]byte, 0, len(body)+4)
	out = append(out, 0x30)
	out = append(out, derLength(len(body))...)
	return append(out, body...)
}

func derLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xff:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

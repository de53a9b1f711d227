package crypto

import (
	"crypto/ed25519"
	"errors"
	"io"
)

// ErrPreKeyBundleIncomplete is returned when a pre-key bundle is
// missing a field required for the handshake being attempted.
var ErrPreKeyBundleIncomplete = errors.New("crypto: pre-key bundle incomplete")

// X3DHBundle is the recipient-side material needed to complete an
// X3DH handshake: a DH-capable identity key, a signed pre-key, and an
// optional one-time pre-key. identityPK is a plain X25519 key used
// only for DH; the Ed25519 signingPK is used solely to verify
// signedPreKeySig.
type X3DHBundle struct {
	IdentityPK      X25519PublicKey
	SigningPK       ed25519.PublicKey
	SignedPreKeyPK  X25519PublicKey
	SignedPreKeySig []byte
	OneTimePK       *X25519PublicKey
	OneTimeID       uint64
}

// VerifyX3DHBundle checks the signed pre-key's signature under the
// bundle's Ed25519 signing key.
func VerifyX3DHBundle(b X3DHBundle) bool {
	return Verify(b.SigningPK, b.SignedPreKeyPK[:], b.SignedPreKeySig)
}

// X3DHInitiatorOutput is the result of running the initiator side of
// X3DH: the derived shared secret plus the ephemeral public key and
// (if used) the one-time pre-key id the recipient needs to complete
// its side.
type X3DHInitiatorOutput struct {
	SharedSecret  []byte
	EphemeralPK   X25519PublicKey
	UsedOneTimeID *uint64
}

// X3DHEncrypt runs the initiator side of X3DH against a recipient
// bundle: DH1 = DH(identitySK, bundle.SignedPreKeyPK),
// DH2 = DH(ephemeralSK, bundle.IdentityPK),
// DH3 = DH(ephemeralSK, bundle.SignedPreKeyPK),
// DH4 = DH(ephemeralSK, bundle.OneTimePK) when present.
func X3DHEncrypt(rng io.Reader, identitySK X25519PrivateKey, bundle X3DHBundle) (X3DHInitiatorOutput, error) {
	if !VerifyX3DHBundle(bundle) {
		return X3DHInitiatorOutput{}, errors.New("crypto: pre-key bundle signature invalid")
	}

	ephemeralSK, ephemeralPK, err := GenerateX25519(rng)
	if err != nil {
		return X3DHInitiatorOutput{}, err
	}

	dh1, err := X25519DH(identitySK, bundle.SignedPreKeyPK)
	if err != nil {
		return X3DHInitiatorOutput{}, err
	}
	dh2, err := X25519DH(ephemeralSK, bundle.IdentityPK)
	if err != nil {
		return X3DHInitiatorOutput{}, err
	}
	dh3, err := X25519DH(ephemeralSK, bundle.SignedPreKeyPK)
	if err != nil {
		return X3DHInitiatorOutput{}, err
	}

	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	var usedID *uint64
	if bundle.OneTimePK != nil {
		dh4, err := X25519DH(ephemeralSK, *bundle.OneTimePK)
		if err != nil {
			return X3DHInitiatorOutput{}, err
		}
		ikm = append(ikm, dh4...)
		id := bundle.OneTimeID
		usedID = &id
	}

	secret, err := HKDFExpand(ikm, nil, []byte("groupauth-x3dh"), 32)
	if err != nil {
		return X3DHInitiatorOutput{}, err
	}

	return X3DHInitiatorOutput{SharedSecret: secret, EphemeralPK: ephemeralPK, UsedOneTimeID: usedID}, nil
}

// X3DHDecrypt runs the responder side of X3DH. oneTimeSK is nil when
// the initiator's handshake did not reference a one-time pre-key.
func X3DHDecrypt(identitySK, signedPreKeySK X25519PrivateKey, oneTimeSK *X25519PrivateKey, theirIdentityPK, theirEphemeralPK X25519PublicKey) ([]byte, error) {
	dh1, err := X25519DH(signedPreKeySK, theirIdentityPK)
	if err != nil {
		return nil, err
	}
	dh2, err := X25519DH(identitySK, theirEphemeralPK)
	if err != nil {
		return nil, err
	}
	dh3, err := X25519DH(signedPreKeySK, theirEphemeralPK)
	if err != nil {
		return nil, err
	}

	ikm := append(append(append([]byte{}, dh1...), dh2...), dh3...)

	if oneTimeSK != nil {
		dh4, err := X25519DH(*oneTimeSK, theirEphemeralPK)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}

	return HKDFExpand(ikm, nil, []byte("groupauth-x3dh"), 32)
}

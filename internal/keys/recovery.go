package keys

import (
	"fmt"

	atcrypto "github.com/bluesky-social/indigo/atproto/crypto"
)

const (
	keyGenerationErrorTemplateConstant = "recovery key generation failed: %w"
	didKeyFormatErrorTemplateConstant  = "%q is not a did:key identifier: %w"
	didKeyCurveErrorTemplateConstant   = "%q is not a P-256 key"
)

// RecoveryKeypair is a locally generated P-256 rotation key.
// Its private half is only ever rendered for the operator to store.
type RecoveryKeypair struct {
	didKey              string
	privateKeyMultibase string
}

// DIDKey returns the public key rendered as a did:key identifier.
func (keypair RecoveryKeypair) DIDKey() string {
	return keypair.didKey
}

// PrivateKeyMultibase returns the private key as a multicodec-tagged base58btc string.
func (keypair RecoveryKeypair) PrivateKeyMultibase() string {
	return keypair.privateKeyMultibase
}

// Generator produces recovery keypairs.
type Generator struct{}

// NewGenerator constructs a Generator.
func NewGenerator() Generator {
	return Generator{}
}

// Generate creates a fresh P-256 recovery keypair.
func (generator Generator) Generate() (RecoveryKeypair, error) {
	privateKey, generationError := atcrypto.GeneratePrivateKeyP256()
	if generationError != nil {
		return RecoveryKeypair{}, fmt.Errorf(keyGenerationErrorTemplateConstant, generationError)
	}

	publicKey, publicKeyError := privateKey.PublicKey()
	if publicKeyError != nil {
		return RecoveryKeypair{}, fmt.Errorf(keyGenerationErrorTemplateConstant, publicKeyError)
	}

	return RecoveryKeypair{
		didKey:              publicKey.DIDKey(),
		privateKeyMultibase: privateKey.Multibase(),
	}, nil
}

// DecodeDIDKey parses a did:key identifier and requires it to carry a P-256 key.
func DecodeDIDKey(didKey string) (*atcrypto.PublicKeyP256, error) {
	publicKey, parseError := atcrypto.ParsePublicDIDKey(didKey)
	if parseError != nil {
		return nil, fmt.Errorf(didKeyFormatErrorTemplateConstant, didKey, parseError)
	}

	p256Key, isP256 := publicKey.(*atcrypto.PublicKeyP256)
	if !isP256 {
		return nil, fmt.Errorf(didKeyCurveErrorTemplateConstant, didKey)
	}
	return p256Key, nil
}

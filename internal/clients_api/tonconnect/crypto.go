package tonconnect

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const nonceSize = 24

// KeyPair is the per-session X25519 key pair; the public key is the bridge client id
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session keys: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromHex restores a session from its stored private key
func KeyPairFromHex(privateHex string) (*KeyPair, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid session private key")
	}
	kp := &KeyPair{}
	copy(kp.Private[:], raw)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive session public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SessionID is the hex public key
func (k *KeyPair) SessionID() string { return hex.EncodeToString(k.Public[:]) }

func (k *KeyPair) PrivateHex() string { return hex.EncodeToString(k.Private[:]) }

// Encrypt seals msg for receiver; output is nonce followed by the box
func (k *KeyPair) Encrypt(msg []byte, receiver *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return box.Seal(nonce[:], msg, &nonce, receiver, &k.Private), nil
}

// Decrypt opens a nonce-prefixed box from sender
func (k *KeyPair) Decrypt(data []byte, sender *[32]byte) ([]byte, error) {
	if len(data) < nonceSize+box.Overhead {
		return nil, errors.New("message too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	out, ok := box.Open(nil, data[nonceSize:], &nonce, sender, &k.Private)
	if !ok {
		return nil, errors.New("message authentication failed")
	}
	return out, nil
}

// ParsePublicKey decodes a hex peer id
func ParsePublicKey(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("invalid public key %q", s)
	}
	var pk [32]byte
	copy(pk[:], raw)
	return &pk, nil
}

package cluster

import (
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
)

// secretSalt is fixed so every node derives the same hash from the same secret
var secretSalt = []byte("drep-node-secret")

const (
	secretIterations = 4096
	SecretSize       = 32
)

// HashSecret derives the value stored for a node and sent in the handshake
func HashSecret(secret string) []byte {
	return pbkdf2.Key([]byte(secret), secretSalt, secretIterations, SecretSize, sha256.New)
}

// CheckSecret compares two hashed secrets in constant time
func CheckSecret(want, got []byte) bool {
	return len(want) == SecretSize && subtle.ConstantTimeCompare(want, got) == 1
}

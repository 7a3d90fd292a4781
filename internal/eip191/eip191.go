// Package eip191 signs and recovers personal-sign ("\x19Ethereum Signed
// Message") signatures over text messages.
package eip191

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is r[32] + s[32] + v[1].
const SignatureLength = 65

// HashMessage returns keccak256("\x19Ethereum Signed Message:\n" + len + message).
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign signs message with key and returns a 0x-prefixed 65 byte
// signature with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(HashMessage(message), key)
	if err != nil {
		return "", fmt.Errorf("eip191: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Recover returns the lowercase 0x address that produced signatureHex
// over message.
func Recover(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("eip191: invalid signature hex: %w", err)
	}
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("eip191: signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	// wallets emit v = 27/28, Ecrecover wants 0/1
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", fmt.Errorf("eip191: invalid recovery id %d", sig[64])
	}

	pub, err := crypto.SigToPub(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("eip191: recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// Verify reports whether signatureHex over message recovers to expected
// (compared case-insensitively).
func Verify(message, signatureHex, expected string) bool {
	addr, err := Recover(message, signatureHex)
	return err == nil && strings.EqualFold(addr, expected)
}

// Address returns the lowercase 0x address of key.
func Address(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

package eip191

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig, err := Sign(key, "trustmesh-register|agt_1|0xabc|1700000000")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))
	assert.Len(t, sig, 2+2*SignatureLength)

	addr, err := Recover("trustmesh-register|agt_1|0xabc|1700000000", sig)
	require.NoError(t, err)
	assert.Equal(t, Address(key), addr)
	assert.True(t, Verify("trustmesh-register|agt_1|0xabc|1700000000", sig, "0x"+strings.ToUpper(addr[2:])))
}

func TestRecover_DifferentMessage(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sig, _ := Sign(key, "a")

	addr, err := Recover("b", sig)
	if err == nil {
		assert.NotEqual(t, Address(key), addr)
	}
	assert.False(t, Verify("b", sig, Address(key)))
}

func TestRecover_Malformed(t *testing.T) {
	_, err := Recover("m", "0xzz")
	assert.Error(t, err)

	_, err = Recover("m", "0x1234")
	assert.ErrorContains(t, err, "65 bytes")

	bad := "0x" + strings.Repeat("11", 64) + "05"
	_, err = Recover("m", bad)
	assert.ErrorContains(t, err, "recovery id")
}

func TestHashMessage_MatchesPersonalSignPrefix(t *testing.T) {
	want := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n5hello"))
	assert.Equal(t, want, HashMessage("hello"))
}

package gsa

import (
	"bytes"
	"crypto/rand"
	"errors"
	"math/big"
	"testing"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSRPGroup_Prime(t *testing.T) {
	n, g := SRPGroup()

	assert.Equal(t, 2048, n.BitLen())
	assert.Equal(t, int64(2), g.Int64())
	assert.True(t, n.ProbablyPrime(20))

	// Returned values are copies.
	n.SetInt64(1)
	n2, _ := SRPGroup()
	assert.Equal(t, 2048, n2.BitLen())
}

func TestNewSRPClient_PublicKeyInGroup(t *testing.T) {
	c, err := newSRPClient(rand.Reader)
	require.NoError(t, err)
	defer c.destroy()

	n, _ := SRPGroup()
	A := new(big.Int).SetBytes(c.publicKey())

	assert.Equal(t, 1, A.Sign())
	assert.Equal(t, -1, A.Cmp(n))
}

func TestNewSRPClient_ShortReader(t *testing.T) {
	_, err := newSRPClient(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestSRPProcess_RejectsZeroServerValue(t *testing.T) {
	c, err := newSRPClient(rand.Reader)
	require.NoError(t, err)
	defer c.destroy()

	n, _ := SRPGroup()

	_, err = c.process("user", make([]byte, 32), []byte("salt"), n.Bytes())

	var pe *apperrors.ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestSRPProcess_AfterDestroy(t *testing.T) {
	c, err := newSRPClient(rand.Reader)
	require.NoError(t, err)

	c.destroy()
	c.destroy()

	_, err = c.process("user", make([]byte, 32), []byte("salt"), []byte{5})
	assert.Error(t, err)
}

func TestSRPProof_VerifyMismatch(t *testing.T) {
	c, err := newSRPClient(rand.Reader)
	require.NoError(t, err)
	defer c.destroy()

	proof, err := c.process("user", make([]byte, 32), []byte("salt"), []byte{5})
	require.NoError(t, err)
	assert.Len(t, proof.m1, 32)
	assert.Len(t, proof.m2, 32)

	vk, err := proof.verify(bytes.Repeat([]byte{0xaa}, 32))
	assert.Nil(t, vk)

	var ae *apperrors.AuthProofError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "server proof", ae.Step)

	// The key is gone; a second attempt cannot succeed.
	_, err = proof.verify(proof.m2)
	assert.Error(t, err)
}

func TestSRPProof_VerifyMatch(t *testing.T) {
	c, err := newSRPClient(rand.Reader)
	require.NoError(t, err)
	defer c.destroy()

	proof, err := c.process("user", make([]byte, 32), []byte("salt"), []byte{5})
	require.NoError(t, err)

	vk, err := proof.verify(proof.m2)
	require.NoError(t, err)
	defer vk.destroy()

	// Ownership moved to the verified key.
	proof.destroy()
	assert.NotNil(t, vk.key)

	_, err = vk.decryptExtraData(make([]byte, 15))
	assert.True(t, errors.As(err, new(*apperrors.DecryptionError)))
}

func TestPad(t *testing.T) {
	assert.Len(t, pad([]byte{1}), 256)
	assert.Equal(t, byte(1), pad([]byte{1})[255])

	full := bytes.Repeat([]byte{9}, 256)
	assert.Equal(t, full, pad(full))
}

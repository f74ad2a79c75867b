package wallet

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySignerRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := NewKeySigner(key)

	sig, err := s.SignMessage(context.Background(), "hello allocator")
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	addr, err := RecoverAddress("hello allocator", sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	other, err := RecoverAddress("tampered", sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)
}

func TestNewKeySignerFromHex(t *testing.T) {
	s, err := NewKeySignerFromHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address().Hex())

	_, err = NewKeySignerFromHex("zz")
	assert.Error(t, err)
}

func TestSignMessageHonorsContext(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewKeySigner(key).SignMessage(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

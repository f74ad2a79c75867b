package core

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeMessage(t *testing.T) {
	c := Challenge{
		Domain:         "allocator.example",
		Address:        "0x00000000000000000000000000000000000000aA",
		URI:            "https://allocator.example",
		Statement:      "Sign in to Smallocator",
		Version:        "1",
		ChainID:        1,
		Nonce:          "abc123",
		IssuedAt:       "2026-01-01T00:00:00.000Z",
		ExpirationTime: "2026-01-01T01:00:00.000Z",
	}
	want := "allocator.example wants you to sign in with your Ethereum account:\n" +
		"0x00000000000000000000000000000000000000aA\n\n" +
		"Sign in to Smallocator\n\n" +
		"URI: https://allocator.example\n" +
		"Version: 1\n" +
		"Chain ID: 1\n" +
		"Nonce: abc123\n" +
		"Issued At: 2026-01-01T00:00:00.000Z\n" +
		"Expiration Time: 2026-01-01T01:00:00.000Z"
	assert.Equal(t, want, c.Message())
	assert.Equal(t, c.Message(), c.Message())
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	s := Session{ID: "x", ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
	assert.Equal(t, "session-0x00000000000000000000000000000000000000aa",
		SessionKey(common.HexToAddress("0x00000000000000000000000000000000000000AA")))
}

func TestCertificateIsImmutable(t *testing.T) {
	sig := make([]byte, 65)
	nonce := big.NewInt(9)
	c, err := NewAllocationCertificate(CertificateParams{
		ChainID:   1,
		Hash:      common.HexToHash("0x01"),
		Signature: sig,
		Nonce:     nonce,
		LockID:    "5",
		Amount:    decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	sig[0] = 0xff
	nonce.SetInt64(100)
	assert.Equal(t, byte(0), c.Signature()[0])
	assert.Equal(t, int64(9), c.Nonce().Int64())

	c.Nonce().SetInt64(77)
	assert.Equal(t, int64(9), c.Nonce().Int64())

	_, err = NewAllocationCertificate(CertificateParams{Hash: common.HexToHash("0x01"), Signature: []byte{1}, Nonce: nonce, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

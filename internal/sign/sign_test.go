package sign

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosignr/coordinator/internal/models"
)

func testOrder() models.Order {
	return models.Order{
		MakerAddress:          "0x5409ed021d9299bf6814279a6a1411a7e866a631",
		TakerAddress:          "0x0000000000000000000000000000000000000000",
		FeeRecipientAddress:   "0x0000000000000000000000000000000000000000",
		SenderAddress:         "0x0000000000000000000000000000000000000000",
		MakerAssetAmount:      big.NewInt(1000),
		TakerAssetAmount:      big.NewInt(2000),
		MakerFee:              big.NewInt(0),
		TakerFee:              big.NewInt(0),
		ExpirationTimeSeconds: 1700000000,
		Salt:                  big.NewInt(12345),
		MakerAssetData:        "0xf47261b0000000000000000000000000871dd7c2b4b25e1aa18728e9d5f2af4c4e431f5c",
		TakerAssetData:        "0xf47261b00000000000000000000000000b1ba0af832d7c05fd64161e0db78e85978e8082",
	}
}

func TestOrderHash_Deterministic(t *testing.T) {
	a := OrderHash(testOrder())
	b := OrderHash(testOrder())
	assert.Equal(t, a, b)
	assert.Len(t, a, 66) // 0x + 32 bytes
}

func TestOrderHash_SensitiveToFields(t *testing.T) {
	base := OrderHash(testOrder())

	o := testOrder()
	o.TakerAssetAmount = big.NewInt(2001)
	assert.NotEqual(t, base, OrderHash(o))

	o = testOrder()
	o.Salt = big.NewInt(12346)
	assert.NotEqual(t, base, OrderHash(o))

	o = testOrder()
	o.MakerAddress = "0x6409ed021d9299bf6814279a6a1411a7e866a631"
	assert.NotEqual(t, base, OrderHash(o))
}

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	taker := crypto.PubkeyToAddress(key.PublicKey).Hex()

	orderHashes := []string{OrderHash(testOrder())}
	fillAmounts := []*big.Int{big.NewInt(500)}
	digest := TransactionHash(taker, 1700000000, orderHashes, fillAmounts)

	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sigHex := "0x" + hex.EncodeToString(sig)

	assert.True(t, VerifySignature(sigHex, taker, digest))

	// 27-offset recovery id must also verify
	offset := append([]byte(nil), sig...)
	offset[len(offset)-1] += 27
	assert.True(t, VerifySignature("0x"+hex.EncodeToString(offset), taker, digest))

	// wrong signer
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := crypto.PubkeyToAddress(otherKey.PublicKey).Hex()
	assert.False(t, VerifySignature(sigHex, other, digest))

	// different digest
	tampered := TransactionHash(taker, 1700000001, orderHashes, fillAmounts)
	assert.False(t, VerifySignature(sigHex, taker, tampered))

	// malformed signature
	assert.False(t, VerifySignature("0xdeadbeef", taker, digest))
}

func TestSigner_SignApproval(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hex.EncodeToString(crypto.FromECDSA(key))

	signer, err := NewSigner(keyHex)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), signer.Address())

	sig, err := signer.SignApproval(OrderHash(testOrder()), 1700000000)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	_, err = NewSigner("not-a-key")
	assert.Error(t, err)
}


package sign

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cosignr/coordinator/internal/models"
)

// OrderHash computes the deterministic content hash identifying an order.
// Every field that defines the order participates, so any two payloads with
// equal fields map to the same hash.
func OrderHash(o models.Order) string {
	buf := make([]byte, 0, 512)
	buf = append(buf, common.HexToAddress(o.MakerAddress).Bytes()...)
	buf = append(buf, common.HexToAddress(o.TakerAddress).Bytes()...)
	buf = append(buf, common.HexToAddress(o.FeeRecipientAddress).Bytes()...)
	buf = append(buf, common.HexToAddress(o.SenderAddress).Bytes()...)
	buf = append(buf, pad32(o.MakerAssetAmount)...)
	buf = append(buf, pad32(o.TakerAssetAmount)...)
	buf = append(buf, pad32(o.MakerFee)...)
	buf = append(buf, pad32(o.TakerFee)...)
	buf = append(buf, uint64Bytes(o.ExpirationTimeSeconds)...)
	buf = append(buf, pad32(o.Salt)...)
	buf = append(buf, crypto.Keccak256(common.FromHex(o.MakerAssetData))...)
	buf = append(buf, crypto.Keccak256(common.FromHex(o.TakerAssetData))...)
	return crypto.Keccak256Hash(buf).Hex()
}

// TransactionHash computes the digest a taker signs when requesting approval
// for a set of orders and fill amounts. orderHashes and fillAmounts are
// parallel sequences.
func TransactionHash(takerAddress string, expirationTimeSeconds int64, orderHashes []string, fillAmounts []*big.Int) common.Hash {
	buf := make([]byte, 0, 28+64*len(orderHashes))
	buf = append(buf, common.HexToAddress(takerAddress).Bytes()...)
	buf = append(buf, uint64Bytes(expirationTimeSeconds)...)
	for i, h := range orderHashes {
		buf = append(buf, common.HexToHash(h).Bytes()...)
		if i < len(fillAmounts) {
			buf = append(buf, pad32(fillAmounts[i])...)
		}
	}
	return crypto.Keccak256Hash(buf)
}

// VerifySignature recovers the signer of digest from a 65-byte hex signature
// and reports whether it matches takerAddress. Both the raw {0,1} and the
// Ethereum {27,28} recovery id encodings are accepted.
func VerifySignature(signature, takerAddress string, digest common.Hash) bool {
	sig := common.FromHex(signature)
	if len(sig) != crypto.SignatureLength {
		return false
	}
	if sig[crypto.SignatureLength-1] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.SignatureLength-1] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(takerAddress)
}

// Signer co-signs coordinator approvals with the operator key.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Address returns the operator address derived from the signing key.
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// SignApproval produces the coordinator's approval signature for one order
// hash, valid until expirationTimeSeconds.
func (s *Signer) SignApproval(orderHash string, expirationTimeSeconds int64) (string, error) {
	digest := crypto.Keccak256Hash(common.HexToHash(orderHash).Bytes(), uint64Bytes(expirationTimeSeconds))
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign approval: %w", err)
	}
	return hexutil.Encode(sig), nil
}

func pad32(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

func uint64Bytes(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

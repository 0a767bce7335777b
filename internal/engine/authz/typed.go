package authz

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"paykit/internal/config"
	"paykit/internal/domain"
)

// SignatureLength is r || s || v.
const SignatureLength = 65

var (
	ErrSignatureLength   = errors.New("signature must be 65 bytes")
	ErrSignatureRecovery = errors.New("invalid signature recovery id")
)

// Domain is the EIP-712 domain separator input.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// IntentDomain builds the domain intents are signed under.
func IntentDomain(cfg *config.Config) Domain {
	return Domain{
		Name:              cfg.Signing.DomainName,
		Version:           cfg.Signing.DomainVersion,
		ChainID:           cfg.Settlement.ChainID,
		VerifyingContract: cfg.EscrowAddress(),
	}
}

// PermitDomain builds the domain permits are signed under. It carries no
// version, matching the canonical Permit2 domain.
func PermitDomain(cfg *config.Config) Domain {
	return Domain{
		Name:              cfg.Signing.PermitDomain,
		ChainID:           cfg.Settlement.ChainID,
		VerifyingContract: cfg.EscrowAddress(),
	}
}

func (d Domain) typed() (apitypes.TypedDataDomain, []apitypes.Type) {
	fields := []apitypes.Type{{Name: "name", Type: "string"}}
	if d.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	fields = append(fields,
		apitypes.Type{Name: "chainId", Type: "uint256"},
		apitypes.Type{Name: "verifyingContract", Type: "address"},
	)
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}, fields
}

func u256(v uint64) *math.HexOrDecimal256 {
	return (*math.HexOrDecimal256)(new(big.Int).SetUint64(v))
}

func unix(t time.Time) *math.HexOrDecimal256 {
	return math.NewHexOrDecimal256(t.Unix())
}

// IntentTypedData is the structure external signers sign to authorize an
// intent.
func IntentTypedData(d Domain, p domain.PaymentIntent, operator common.Address) (apitypes.TypedData, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("intent id: %w", err)
	}
	dom, domFields := d.typed()
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domFields,
			"PaymentIntent": {
				{Name: "intentId", Type: "bytes16"},
				{Name: "amount", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "recipient", Type: "address"},
				{Name: "token", Type: "address"},
				{Name: "refundDestination", Type: "address"},
				{Name: "fee", Type: "uint256"},
				{Name: "operator", Type: "address"},
			},
		},
		PrimaryType: "PaymentIntent",
		Domain:      dom,
		Message: apitypes.TypedDataMessage{
			"intentId":          hexutil.Bytes(id[:]),
			"amount":            u256(p.ExpectedAmount),
			"deadline":          unix(p.Deadline),
			"recipient":         p.Creator.Hex(),
			"token":             p.PaymentToken.Hex(),
			"refundDestination": p.User.Hex(),
			"fee":               u256(p.PlatformFee + p.OperatorFee),
			"operator":          operator.Hex(),
		},
	}, nil
}

// IntentHash returns the EIP-712 digest for an intent.
func IntentHash(d Domain, p domain.PaymentIntent, operator common.Address) (common.Hash, error) {
	td, err := IntentTypedData(d, p, operator)
	if err != nil {
		return common.Hash{}, err
	}
	return hashTyped(td)
}

// PermitTypedData is the Permit2 PermitTransferFrom structure the payer signs.
func PermitTypedData(d Domain, p domain.Permit) apitypes.TypedData {
	dom, domFields := d.typed()
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domFields,
			"PermitTransferFrom": {
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
			"TokenPermissions": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
		},
		PrimaryType: "PermitTransferFrom",
		Domain:      dom,
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  p.Token.Hex(),
				"amount": u256(p.Amount),
			},
			"spender":  p.Spender.Hex(),
			"nonce":    u256(p.Nonce),
			"deadline": unix(p.Deadline),
		},
	}
}

func PermitHash(d Domain, p domain.Permit) (common.Hash, error) {
	return hashTyped(PermitTypedData(d, p))
}

func hashTyped(td apitypes.TypedData) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eip712 hash: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// Recover returns the address that produced sig over hash. Recovery ids 0/1
// and 27/28 are both accepted.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrSignatureLength
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	v := normalized[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, ErrSignatureRecovery
	}
	normalized[64] = v
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs hash with key and returns a wallet-style signature (v = 27/28).
func Sign(key *ecdsa.PrivateKey, hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

package authz

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/task"
)

// Domain constants for the typed-data envelope. Changing either
// invalidates every outstanding authorization.
const (
	DomainName    = "Econos Master Agent"
	DomainVersion = "1"

	primaryType = "TaskAuthorization"
)

var authorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "taskId", Type: "bytes32"},
		{Name: "worker", Type: "address"},
		{Name: "expiresAt", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Payload is the unsigned authorization message. TaskID is the local
// identifier; its ChainHash is what gets signed, so the escrow contract
// can verify against its own task key.
type Payload struct {
	TaskID    task.TaskID `json:"taskId"`
	Worker    string      `json:"worker"`
	ExpiresAt int64       `json:"expiresAt"`
	Nonce     uint64      `json:"nonce"`
}

// SignedAuthorization is the wire envelope handed to workers. The
// signature is 65 bytes r||s||v hex encoded, v in {27, 28}.
type SignedAuthorization struct {
	Payload
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

// Signer issues and verifies task authorizations under one EIP-712
// domain.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  apitypes.TypedDataDomain
	ledger  *nonceLedger
	logger  logging.Logger
	now     func() time.Time
}

// NewSigner builds a signer from the master's private key. The
// verifying contract is the escrow address; chainID scopes the domain.
func NewSigner(privateKeyHex string, chainID int64, verifyingContract string, logger logging.Logger) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, econoserrors.NewValidationError("privateKey", "missing")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, econoserrors.NewValidationError("privateKey", fmt.Sprintf("not a valid secp256k1 key: %v", err))
	}
	if !common.IsHexAddress(verifyingContract) {
		return nil, econoserrors.NewValidationError("verifyingContract", "not a hex address")
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(verifyingContract).Hex(),
		},
		ledger: newNonceLedger(),
		logger: logging.OrNop(logger),
		now:    time.Now,
	}, nil
}

// Address returns the master address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Generate builds an unsigned payload with a fresh monotone nonce and
// an expiry validitySeconds from now.
func (s *Signer) Generate(taskID task.TaskID, worker string, validitySeconds int64) (Payload, error) {
	if taskID.IsZero() {
		return Payload{}, econoserrors.NewValidationError("taskId", "missing")
	}
	if !common.IsHexAddress(worker) {
		return Payload{}, econoserrors.NewValidationError("worker", "not a hex address")
	}
	if validitySeconds <= 0 {
		return Payload{}, econoserrors.NewValidationError("validitySeconds", "must be positive")
	}
	return Payload{
		TaskID:    taskID,
		Worker:    common.HexToAddress(worker).Hex(),
		ExpiresAt: s.now().Unix() + validitySeconds,
		Nonce:     s.ledger.next(),
	}, nil
}

// Sign produces the typed-data signature for the payload. A
// (taskId, nonce) pair can be signed at most once.
func (s *Signer) Sign(p Payload) (*SignedAuthorization, error) {
	if !s.ledger.consume(p.TaskID, p.Nonce, s.now()) {
		return nil, &econoserrors.NonceReusedError{TaskID: p.TaskID.String(), Nonce: p.Nonce}
	}
	digest, err := s.digest(p)
	if err != nil {
		return nil, fmt.Errorf("hash authorization: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	sig[64] += 27
	s.logger.Debug("authorization signed: task=%s worker=%s nonce=%d expiresAt=%d",
		p.TaskID, p.Worker, p.Nonce, p.ExpiresAt)
	return &SignedAuthorization{
		Payload:   p,
		Signature: hexutil.Encode(sig),
		Signer:    s.address.Hex(),
	}, nil
}

// Verify checks that the envelope's signature recovers the master
// address under this signer's domain.
func (s *Signer) Verify(sa *SignedAuthorization) error {
	return VerifyWithDomain(sa, s.domain, s.address)
}

// VerifyWithDomain checks a signed authorization against an arbitrary
// domain and expected signer. Workers use this form; they hold the
// domain parameters but not the key.
func VerifyWithDomain(sa *SignedAuthorization, domain apitypes.TypedDataDomain, expected common.Address) error {
	if sa == nil {
		return &econoserrors.SignatureInvalidError{Reason: "authorization is nil"}
	}
	recovered, err := Recover(sa, domain)
	if err != nil {
		return err
	}
	if recovered != expected {
		return &econoserrors.SignatureInvalidError{
			Reason: fmt.Sprintf("recovered %s, expected %s", recovered.Hex(), expected.Hex()),
		}
	}
	return nil
}

// Recover returns the address that produced the envelope's signature
// under the given domain.
func Recover(sa *SignedAuthorization, domain apitypes.TypedDataDomain) (common.Address, error) {
	sig, err := hexutil.Decode(sa.Signature)
	if err != nil {
		return common.Address{}, &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("signature not hex: %v", err)}
	}
	if len(sig) != 65 {
		return common.Address{}, &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("signature is %d bytes, want 65", len(sig))}
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	digest, err := digestFor(domain, sa.Payload)
	if err != nil {
		return common.Address{}, &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("hash authorization: %v", err)}
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("recover public key: %v", err)}
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// IsExpired reports whether the authorization's expiry has passed. An
// authorization is valid through expiresAt inclusive.
func IsExpired(sa *SignedAuthorization, now time.Time) bool {
	return now.Unix() > sa.ExpiresAt
}

// IsNonceUsed reports whether the pair was already consumed by Sign.
func (s *Signer) IsNonceUsed(taskID task.TaskID, nonce uint64) bool {
	return s.ledger.isUsed(taskID, nonce)
}

// PruneNoncesOlderThan reclaims ledger entries older than age (default
// 24 h when age is not positive) and returns how many were removed.
func (s *Signer) PruneNoncesOlderThan(age time.Duration) int {
	if age <= 0 {
		age = DefaultNonceRetention
	}
	removed := s.ledger.pruneOlderThan(s.now().Add(-age))
	if removed > 0 {
		s.logger.Debug("nonce ledger pruned: removed=%d remaining=%d", removed, s.ledger.size())
	}
	return removed
}

// Serialize encodes the envelope as JSON.
func Serialize(sa *SignedAuthorization) ([]byte, error) {
	if sa == nil {
		return nil, econoserrors.NewValidationError("authorization", "is nil")
	}
	return json.Marshal(sa)
}

// Deserialize decodes and structurally validates an envelope.
func Deserialize(data []byte) (*SignedAuthorization, error) {
	var sa SignedAuthorization
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, econoserrors.NewValidationError("authorization", fmt.Sprintf("malformed json: %v", err))
	}
	if sa.TaskID.IsZero() {
		return nil, econoserrors.NewValidationError("taskId", "missing")
	}
	if !common.IsHexAddress(sa.Worker) {
		return nil, econoserrors.NewValidationError("worker", "not a hex address")
	}
	raw, err := hexutil.Decode(sa.Signature)
	if err != nil || len(raw) != 65 {
		return nil, econoserrors.NewValidationError("signature", "not a 65-byte hex signature")
	}
	return &sa, nil
}

func (s *Signer) digest(p Payload) ([]byte, error) {
	return digestFor(s.domain, p)
}

// digestFor computes keccak(0x1901 || domainSeparator || structHash)
// for the payload.
func digestFor(domain apitypes.TypedDataDomain, p Payload) ([]byte, error) {
	chainHash := p.TaskID.ChainHash()
	td := apitypes.TypedData{
		Types:       authorizationTypes,
		PrimaryType: primaryType,
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"taskId":    hexutil.Encode(chainHash[:]),
			"worker":    p.Worker,
			"expiresAt": strconv.FormatInt(p.ExpiresAt, 10),
			"nonce":     strconv.FormatUint(p.Nonce, 10),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, err
	}
	return digest, nil
}

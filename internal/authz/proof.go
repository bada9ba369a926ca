package authz

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	econoserrors "econos/internal/errors"
	"econos/internal/task"
)

// VerifyWorkerProof checks a worker's completion proof. Workers sign
// keccak(taskChainHash || resultHash) with an eth_sign personal-message
// prefix; this is a separate context from the master's typed-data
// authorization and the two must never be interchanged.
func VerifyWorkerProof(taskID task.TaskID, resultHash, signature, worker string) error {
	if !common.IsHexAddress(worker) {
		return econoserrors.NewValidationError("worker", "not a hex address")
	}
	result, err := hexutil.Decode(resultHash)
	if err != nil {
		return &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("result hash not hex: %v", err)}
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("proof signature not hex: %v", err)}
	}
	if len(sig) != 65 {
		return &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("proof signature is %d bytes, want 65", len(sig))}
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	chainHash := taskID.ChainHash()
	inner := crypto.Keccak256(chainHash[:], result)
	digest := accounts.TextHash(inner)

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return &econoserrors.SignatureInvalidError{Reason: fmt.Sprintf("recover proof signer: %v", err)}
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(worker) {
		return &econoserrors.SignatureInvalidError{
			Reason: fmt.Sprintf("proof signed by %s, expected worker %s", recovered.Hex(), worker),
		}
	}
	return nil
}

// SignWorkerProof produces a proof signature the way worker sidecars
// do. Simulated workers in local runs and tests use it so the verify
// path is exercised against real signatures.
func SignWorkerProof(taskID task.TaskID, resultHash string, keyHex string) (string, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return "", err
	}
	result, err := hexutil.Decode(resultHash)
	if err != nil {
		return "", err
	}
	chainHash := taskID.ChainHash()
	inner := crypto.Keccak256(chainHash[:], result)
	sig, err := crypto.Sign(accounts.TextHash(inner), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

package authz

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/task"
)

// Anvil dev accounts 0 and 1. Test keys only.
const (
	masterKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	masterAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	workerKey  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	workerAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

	escrowAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

func newTestSigner(t *testing.T, chainID int64) *Signer {
	t.Helper()
	s, err := NewSigner(masterKey, chainID, escrowAddr, logging.Nop())
	require.NoError(t, err)
	return s
}

func TestNewSignerDerivesAddress(t *testing.T) {
	s := newTestSigner(t, 240)
	assert.Equal(t, common.HexToAddress(masterAddr), s.Address())

	_, err := NewSigner("not-a-key", 240, escrowAddr, logging.Nop())
	assert.Error(t, err)
	_, err = NewSigner(masterKey, 240, "not-an-address", logging.Nop())
	assert.Error(t, err)
}

func TestGenerateAssignsMonotoneNonces(t *testing.T) {
	s := newTestSigner(t, 240)
	id := task.NewTaskID()

	var last uint64
	for i := 0; i < 5; i++ {
		p, err := s.Generate(id, workerAddr, 3600)
		require.NoError(t, err)
		assert.Greater(t, p.Nonce, last)
		last = p.Nonce
	}
}

func TestGenerateValidation(t *testing.T) {
	s := newTestSigner(t, 240)

	_, err := s.Generate(task.TaskID{}, workerAddr, 3600)
	assert.Error(t, err)
	_, err = s.Generate(task.NewTaskID(), "0x123", 3600)
	assert.Error(t, err)
	_, err = s.Generate(task.NewTaskID(), workerAddr, 0)
	assert.Error(t, err)
}

func TestSignVerifyRecoverRoundTrip(t *testing.T) {
	s := newTestSigner(t, 240)
	p, err := s.Generate(task.NewTaskID(), workerAddr, 3600)
	require.NoError(t, err)

	sa, err := s.Sign(p)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(masterAddr).Hex(), sa.Signer)
	require.NoError(t, s.Verify(sa))

	recovered, err := Recover(sa, s.domain)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recovered)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := newTestSigner(t, 240)
	p, err := s.Generate(task.NewTaskID(), workerAddr, 3600)
	require.NoError(t, err)
	sa, err := s.Sign(p)
	require.NoError(t, err)

	tampered := *sa
	tampered.Worker = escrowAddr // redirect to another address
	err = s.Verify(&tampered)
	var serr *econoserrors.SignatureInvalidError
	require.ErrorAs(t, err, &serr)

	tampered = *sa
	tampered.ExpiresAt += 86400
	assert.Error(t, s.Verify(&tampered))
}

func TestDomainSeparationAcrossChains(t *testing.T) {
	s240 := newTestSigner(t, 240)
	s241 := newTestSigner(t, 241)

	p, err := s240.Generate(task.NewTaskID(), workerAddr, 3600)
	require.NoError(t, err)

	sa240, err := s240.Sign(p)
	require.NoError(t, err)
	sa241, err := s241.Sign(p)
	require.NoError(t, err)

	assert.NotEqual(t, sa240.Signature, sa241.Signature)
	require.NoError(t, s240.Verify(sa240))
	require.NoError(t, s241.Verify(sa241))
	assert.Error(t, s240.Verify(sa241))
	assert.Error(t, s241.Verify(sa240))
}

func TestNonceSingleUse(t *testing.T) {
	s := newTestSigner(t, 240)
	p, err := s.Generate(task.NewTaskID(), workerAddr, 3600)
	require.NoError(t, err)

	_, err = s.Sign(p)
	require.NoError(t, err)

	_, err = s.Sign(p)
	var nerr *econoserrors.NonceReusedError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, p.Nonce, nerr.Nonce)
}

func TestNonceLedgerPruning(t *testing.T) {
	s := newTestSigner(t, 240)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	p, err := s.Generate(task.NewTaskID(), workerAddr, 3600)
	require.NoError(t, err)
	_, err = s.Sign(p)
	require.NoError(t, err)
	assert.True(t, s.IsNonceUsed(p.TaskID, p.Nonce))

	// still inside the retention window
	s.now = func() time.Time { return base.Add(23 * time.Hour) }
	assert.Equal(t, 0, s.PruneNoncesOlderThan(0))
	assert.True(t, s.IsNonceUsed(p.TaskID, p.Nonce))

	s.now = func() time.Time { return base.Add(25 * time.Hour) }
	assert.Equal(t, 1, s.PruneNoncesOlderThan(0))
	assert.False(t, s.IsNonceUsed(p.TaskID, p.Nonce))
}

func TestSerializeDeserializeIdentity(t *testing.T) {
	s := newTestSigner(t, 240)
	p, err := s.Generate(task.NewTaskID(), workerAddr, 3600)
	require.NoError(t, err)
	sa, err := s.Sign(p)
	require.NoError(t, err)

	data, err := Serialize(sa)
	require.NoError(t, err)
	decoded, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, sa, decoded)
	require.NoError(t, s.Verify(decoded))
}

func TestDeserializeRejectsMalformedEnvelopes(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"taskId":"0x00","worker":"` + workerAddr + `","signature":"0x1234"}`,
	}
	for _, raw := range cases {
		_, err := Deserialize([]byte(raw))
		assert.Error(t, err, "input %q", raw)
	}
}

func TestIsExpiredBoundary(t *testing.T) {
	sa := &SignedAuthorization{Payload: Payload{ExpiresAt: 1_750_000_000}}

	atExpiry := time.Unix(sa.ExpiresAt, 0)
	assert.False(t, IsExpired(sa, atExpiry))
	assert.False(t, IsExpired(sa, atExpiry.Add(-time.Second)))
	assert.True(t, IsExpired(sa, atExpiry.Add(time.Second)))
}

func TestWorkerProofRoundTrip(t *testing.T) {
	id := task.NewTaskID()
	resultHash := "0xabcd1234deadbeefcafe00000000000000000000000000000000000000000000"

	sig, err := SignWorkerProof(id, resultHash, workerKey)
	require.NoError(t, err)
	require.NoError(t, VerifyWorkerProof(id, resultHash, sig, workerAddr))

	// wrong claimed worker
	assert.Error(t, VerifyWorkerProof(id, resultHash, sig, masterAddr))
	// result tampered after signing
	other := "0x" + "11" + resultHash[4:]
	assert.Error(t, VerifyWorkerProof(id, other, sig, workerAddr))
	// proof bound to a different task
	assert.Error(t, VerifyWorkerProof(task.NewTaskID(), resultHash, sig, workerAddr))
}

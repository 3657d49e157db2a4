package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/step"
)

type stubReader struct {
	balance *big.Int
	err     error
}

func (s stubReader) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), s.err }

func (s stubReader) BlockNumber(context.Context) (uint64, error) { return 255, s.err }

func (s stubReader) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return s.balance, s.err
}

func (s stubReader) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, s.err
}

const addr = "0x00000000000000000000000000000000000000aa"

func TestCapabilitiesRunThroughExecutor(t *testing.T) {
	reg := step.NewRegistry()
	require.NoError(t, Register(reg, stubReader{balance: big.NewInt(1000)}))
	exec := step.NewExecutor(reg)

	root := step.Sequence("root",
		step.Single("snap", CapabilitySnapshot, nil),
		step.Single("bal", CapabilityBalance, step.InputValue()),
		step.Single("nonce", CapabilityNonce, step.Fields(map[string]step.Param{"address": step.InputValue()})),
	)
	out, err := exec.Run(context.Background(), root, map[string]any{"value": addr})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"chain_id": "0x1", "block_number": "0xff"}, out.Context["snap"])
	assert.Equal(t, "0x3e8", out.Context["bal"].(map[string]any)["wei"])
	assert.Equal(t, "0x7", out.Value.(map[string]any)["nonce"])
}

func TestInvalidAddress(t *testing.T) {
	_, err := Balance(stubReader{}).Handle(context.Background(), map[string]any{"address": "nope"}, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestQueryFailureIsRetryable(t *testing.T) {
	_, err := Snapshot(stubReader{err: errors.New("rpc down")}).Handle(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, CodeChainQuery))
	assert.True(t, xerrors.RetryableError(err))
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), " ")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

// Package chain exposes read-only EVM queries as step capabilities.
package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "OpenMCP-Hub/internal/errors"
	"OpenMCP-Hub/internal/step"
)

// Capability identifiers registered by Register.
const (
	CapabilitySnapshot = "chain.snapshot"
	CapabilityBalance  = "chain.balance"
	CapabilityNonce    = "chain.nonce"
)

// CodeChainQuery marks failed RPC queries.
const CodeChainQuery xerrors.Code = "CHAIN_QUERY_FAILED"

func init() {
	xerrors.Register(CodeChainQuery, xerrors.Attributes{
		Message:   "chain query failed",
		Severity:  xerrors.SeverityWarning,
		Class:     xerrors.ClassCapability,
		Retryable: true,
	})
}

// Reader is the subset of ethclient.Client used by the capabilities.
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "连接以太坊节点失败")
	}
	return ethclient.NewClient(rpcClient), nil
}

// Register adds the chain capabilities backed by reader to reg.
func Register(reg *step.Registry, reader Reader) error {
	caps := map[string]step.Capability{
		CapabilitySnapshot: Snapshot(reader),
		CapabilityBalance:  Balance(reader),
		CapabilityNonce:    Nonce(reader),
	}
	for _, id := range []string{CapabilitySnapshot, CapabilityBalance, CapabilityNonce} {
		if err := reg.Register(id, caps[id]); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns {chain_id, block_number} as hex strings.
func Snapshot(reader Reader) step.Capability {
	return step.CapabilityFunc(func(ctx context.Context, _ map[string]any, _ step.ExecContext) (any, error) {
		chainID, err := reader.ChainID(ctx)
		if err != nil {
			return nil, xerrors.Wrap(CodeChainQuery, err, "获取链 ID 失败")
		}
		block, err := reader.BlockNumber(ctx)
		if err != nil {
			return nil, xerrors.Wrap(CodeChainQuery, err, "获取最新区块高度失败")
		}
		return map[string]any{
			"chain_id":     hexutil.EncodeBig(chainID),
			"block_number": hexutil.EncodeUint64(block),
		}, nil
	})
}

// Balance returns {address, wei} for params.address at the latest block.
func Balance(reader Reader) step.Capability {
	return step.CapabilityFunc(func(ctx context.Context, params map[string]any, _ step.ExecContext) (any, error) {
		addr, err := address(params)
		if err != nil {
			return nil, err
		}
		wei, err := reader.BalanceAt(ctx, addr, nil)
		if err != nil {
			return nil, xerrors.Wrap(CodeChainQuery, err, "查询余额失败", xerrors.WithField("address", addr.Hex()))
		}
		return map[string]any{"address": addr.Hex(), "wei": hexutil.EncodeBig(wei)}, nil
	})
}

// Nonce returns {address, nonce} using the pending state.
func Nonce(reader Reader) step.Capability {
	return step.CapabilityFunc(func(ctx context.Context, params map[string]any, _ step.ExecContext) (any, error) {
		addr, err := address(params)
		if err != nil {
			return nil, err
		}
		nonce, err := reader.PendingNonceAt(ctx, addr)
		if err != nil {
			return nil, xerrors.Wrap(CodeChainQuery, err, "查询交易计数失败", xerrors.WithField("address", addr.Hex()))
		}
		return map[string]any{"address": addr.Hex(), "nonce": hexutil.EncodeUint64(nonce)}, nil
	})
}

// address accepts either params.address or params.value.
func address(params map[string]any) (common.Address, error) {
	raw, _ := params["address"].(string)
	if raw == "" {
		raw, _ = params["value"].(string)
	}
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "地址格式不正确", xerrors.WithField("address", raw))
	}
	return common.HexToAddress(raw), nil
}

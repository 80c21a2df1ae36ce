// Package chain owns the connection to the network: the RPC client, the
// signing key, and thin ABI call helpers shared by the oracle, the
// accountant, and the executor adapter.
//
// Components never reach for globals; each receives a *Runtime carrying
// the client, signer, and chain id.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"futarchy-arb/pkg/types"
)

// Backend is the read/write surface of the RPC client the bot uses.
// *ethclient.Client satisfies it; tests substitute fakes.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Runtime carries everything a component needs to talk to the chain.
// The RPC client is safe for concurrent reads; the signer is the single
// key that authorises every transaction the bot sends.
type Runtime struct {
	Client  Backend
	ChainID *big.Int

	key     *ecdsa.PrivateKey
	address common.Address

	// decimalsCache memoises ERC20 decimals lookups per token.
	decimalsCache sync.Map

	Logger *slog.Logger
}

// Dial connects to the RPC endpoint and builds the runtime. The private
// key is optional; a nil key yields a read-only runtime suitable for
// dry runs.
func Dial(ctx context.Context, rpcURL string, chainID int64, privateKeyHex string, logger *slog.Logger) (*Runtime, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, types.WrapKind(types.KindRpcTransient, "dial rpc", err)
	}

	id := big.NewInt(chainID)
	if chainID == 0 {
		id, err = client.ChainID(ctx)
		if err != nil {
			return nil, types.WrapKind(types.KindRpcTransient, "read chain id", err)
		}
	}

	rt := &Runtime{Client: client, ChainID: id, Logger: logger.With("component", "chain")}
	if privateKeyHex != "" {
		if err := rt.SetKey(privateKeyHex); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// SetKey installs the signing key from hex material, with or without a
// 0x prefix.
func (r *Runtime) SetKey(keyHex string) error {
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return types.WrapKind(types.KindSignerUnavailable, "parse private key", err)
	}
	r.key = key
	r.address = crypto.PubkeyToAddress(key.PublicKey)
	return nil
}

// CanSign reports whether a signing key is installed.
func (r *Runtime) CanSign() bool { return r.key != nil }

// Address returns the signer's address, or the zero address in
// read-only mode.
func (r *Runtime) Address() common.Address { return r.address }

// SignTx signs a transaction with the runtime key under the runtime
// chain id.
func (r *Runtime) SignTx(tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	if r.key == nil {
		return nil, &types.KindError{Kind: types.KindSignerUnavailable, Msg: "no signing key installed"}
	}
	signer := ethtypes.LatestSignerForChainID(r.ChainID)
	signed, err := ethtypes.SignTx(tx, signer, r.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// Call performs a read-only contract call at the latest block.
func (r *Runtime) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := r.Client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, types.WrapKind(types.KindRpcTransient, "call "+to.Hex(), err)
	}
	return out, nil
}

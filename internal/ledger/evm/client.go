package evm

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/ledger"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// weiPerCent 将 USDC 的分映射到链上原生价值，1 分 = 1e14 wei。
var weiPerCent = big.NewInt(100_000_000_000_000)

// Config 描述一条 EVM 兼容链的接入方式。
type Config struct {
	Name      string
	RPCURL    string
	ChainID   int64
	FaucetKey string
}

// chainBackend 汇总驱动依赖的链访问能力，真实节点和模拟后端都满足它。
type chainBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client 在 EVM 兼容链上实现托管账本：钱包由驱动代管私钥，
// 划转以原生价值交易落账。
type Client struct {
	name      string
	chainID   *big.Int
	rpcClient *gethrpc.Client
	backend   chainBackend
	simulated *backends.SimulatedBackend
	faucet    *ecdsa.PrivateKey

	mu      sync.Mutex
	keys    map[string]*ecdsa.PrivateKey
	funds   map[string]ledger.Amount
	sent    map[string]*ledger.TransferReceipt
	hashes  map[string]common.Hash
}

// NewClient 连接配置的 RPC 节点并返回可用的账本驱动。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, stdErrors.New("未配置 EVM RPC 地址")
	}
	if cfg.ChainID <= 0 {
		return nil, stdErrors.New("未配置链 ID")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeUnavailable, err, "连接 EVM 节点失败")
	}

	var faucet *ecdsa.PrivateKey
	if raw := strings.TrimSpace(strings.TrimPrefix(cfg.FaucetKey, "0x")); raw != "" {
		faucet, err = crypto.HexToECDSA(raw)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析水龙头私钥失败")
		}
	}

	return &Client{
		name:      cfg.Name,
		chainID:   big.NewInt(cfg.ChainID),
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
		faucet:    faucet,
		keys:      map[string]*ecdsa.PrivateKey{},
		funds:     map[string]ledger.Amount{},
		sent:      map[string]*ledger.TransferReceipt{},
		hashes:    map[string]common.Hash{},
	}, nil
}

// NewSimulatedClient 基于 go-ethereum 模拟后端构建驱动，用于测试。
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend, faucet *ecdsa.PrivateKey) *Client {
	return &Client{
		name:      name,
		chainID:   new(big.Int).Set(chainID),
		backend:   backend,
		simulated: backend,
		faucet:    faucet,
		keys:      map[string]*ecdsa.PrivateKey{},
		funds:     map[string]ledger.Amount{},
		sent:      map[string]*ledger.TransferReceipt{},
		hashes:    map[string]common.Hash{},
	}
}

// Close 释放客户端持有的网络连接。
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// CreateWallet 为智能体生成托管密钥，钱包 ID 即链上地址。
func (c *Client) CreateWallet(ctx context.Context, ownerRef string) (*ledger.Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeRejected, err, "生成钱包密钥失败")
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	c.mu.Lock()
	c.keys[address] = key
	c.mu.Unlock()

	return &ledger.Wallet{OwnerRef: ownerRef, ID: address}, nil
}

// Fund 由水龙头账户向目标钱包注入价值，幂等键重复时直接返回当前余额。
func (c *Client) Fund(ctx context.Context, walletID string, amount ledger.Amount, idemKey string) (ledger.Amount, error) {
	if c.faucet == nil {
		return 0, xerrors.Wrap(ledger.CodeRejected, ledger.ErrRejected, "未配置水龙头账户，无法入金")
	}

	c.mu.Lock()
	_, done := c.funds[idemKey]
	c.mu.Unlock()
	if !done {
		faucetAddr := crypto.PubkeyToAddress(c.faucet.PublicKey)
		if _, err := c.send(ctx, c.faucet, faucetAddr, common.HexToAddress(walletID), amount); err != nil {
			return 0, err
		}
		c.mu.Lock()
		c.funds[idemKey] = amount
		c.mu.Unlock()
	}
	return c.Balance(ctx, walletID)
}

// Transfer 在两个托管钱包之间划转，相同幂等键只会上链一次。
func (c *Client) Transfer(ctx context.Context, from, to string, amount ledger.Amount, idemKey string) (*ledger.TransferReceipt, error) {
	c.mu.Lock()
	if receipt, ok := c.sent[idemKey]; ok {
		c.mu.Unlock()
		clone := *receipt
		return &clone, nil
	}
	key, ok := c.keys[from]
	c.mu.Unlock()
	if !ok {
		return nil, xerrors.Wrap(ledger.CodeRejected, ledger.ErrRejected, "转出钱包不由本驱动托管")
	}

	fromAddr := common.HexToAddress(from)
	balance, err := c.backend.BalanceAt(ctx, fromAddr, nil)
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeUnavailable, err, "查询余额失败")
	}
	if balance.Cmp(centsToWei(amount)) < 0 {
		return nil, ledger.ErrInsufficientFunds
	}

	hash, err := c.send(ctx, key, fromAddr, common.HexToAddress(to), amount)
	if err != nil {
		return nil, err
	}

	receipt := &ledger.TransferReceipt{
		LedgerTxID: hash.Hex(),
		Amount:     amount,
		Status:     ledger.TransferCompleted,
		CreatedAt:  time.Now(),
	}
	c.mu.Lock()
	c.sent[idemKey] = receipt
	c.hashes[idemKey] = hash
	c.mu.Unlock()

	clone := *receipt
	return &clone, nil
}

// Balance 查询钱包余额并换算回分。
func (c *Client) Balance(ctx context.Context, walletID string) (ledger.Amount, error) {
	balance, err := c.backend.BalanceAt(ctx, common.HexToAddress(walletID), nil)
	if err != nil {
		return 0, xerrors.Wrap(ledger.CodeUnavailable, err, "查询余额失败")
	}
	return weiToCents(balance), nil
}

// FindTransfer 按幂等键回查链上回执，供对账流程确认交易是否落账。
func (c *Client) FindTransfer(ctx context.Context, idemKey string) (*ledger.TransferReceipt, error) {
	c.mu.Lock()
	receipt, ok := c.sent[idemKey]
	hash := c.hashes[idemKey]
	c.mu.Unlock()
	if !ok {
		return nil, ledger.ErrTransferNotFound
	}

	chainReceipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeUnavailable, err, "查询链上回执失败")
	}
	clone := *receipt
	if chainReceipt.Status != coretypes.ReceiptStatusSuccessful {
		clone.Status = ledger.TransferPending
	}
	return &clone, nil
}

// send 构建、签名并广播一笔原生价值交易，模拟后端下立即出块。
func (c *Client) send(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, amount ledger.Amount) (common.Hash, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(ledger.CodeUnavailable, err, "查询交易计数失败")
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(ledger.CodeUnavailable, err, "查询 gas 价格失败")
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    centsToWei(amount),
		Gas:      21_000,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(ledger.CodeRejected, err, "签名交易失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(ledger.CodeUnavailable, err, "广播交易失败")
	}
	if c.simulated != nil {
		c.simulated.Commit()
	}
	return signed.Hash(), nil
}

func centsToWei(amount ledger.Amount) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(amount)), weiPerCent)
}

func weiToCents(wei *big.Int) ledger.Amount {
	cents := new(big.Int).Div(wei, weiPerCent)
	return ledger.Amount(cents.Int64())
}

var _ ledger.Ledger = (*Client)(nil)

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/ledger"
)

const (
	defaultBaseURL = "https://api.bridge.xyz/v0"
	defaultTimeout = 30 * time.Second
)

// Config 描述访问 Bridge 托管账本所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 Bridge 沙箱完成钱包管理与 USDC 划转。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建 Bridge 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, stdErrors.New("未提供 Bridge API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// CreateWallet 为智能体创建托管钱包。
func (c *Client) CreateWallet(ctx context.Context, ownerRef string) (*ledger.Wallet, error) {
	payload := map[string]any{
		"label":        ownerRef + "_wallet",
		"on_behalf_of": ownerRef,
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/wallets", "", payload, &decoded); err != nil {
		return nil, err
	}
	if decoded.ID == "" {
		return nil, xerrors.Wrap(ledger.CodeRejected, ledger.ErrRejected, "Bridge 未返回钱包 ID")
	}
	return &ledger.Wallet{OwnerRef: ownerRef, ID: decoded.ID}, nil
}

// Fund 以法币入金并兑换为 USDC。
func (c *Client) Fund(ctx context.Context, walletID string, amount ledger.Amount, idemKey string) (ledger.Amount, error) {
	payload := map[string]any{
		"source": map[string]any{
			"payment_rail": "ach_push",
			"currency":     "usd",
		},
		"destination": map[string]any{
			"payment_rail":     "bridge_wallet",
			"currency":         "usdc",
			"bridge_wallet_id": walletID,
		},
		"amount": formatAmount(amount),
	}
	var decoded struct {
		State string `json:"state"`
	}
	if err := c.post(ctx, "/transfers", idemKey, payload, &decoded); err != nil {
		return 0, err
	}
	return c.Balance(ctx, walletID)
}

// Transfer 在两个托管钱包之间划转 USDC。
func (c *Client) Transfer(ctx context.Context, from, to string, amount ledger.Amount, idemKey string) (*ledger.TransferReceipt, error) {
	payload := map[string]any{
		"source": map[string]any{
			"payment_rail":     "bridge_wallet",
			"currency":         "usdc",
			"bridge_wallet_id": from,
		},
		"destination": map[string]any{
			"payment_rail":     "bridge_wallet",
			"currency":         "usdc",
			"bridge_wallet_id": to,
		},
		"amount": formatAmount(amount),
	}
	var decoded struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		CreatedAt string `json:"created_at"`
	}
	if err := c.post(ctx, "/transfers", idemKey, payload, &decoded); err != nil {
		return nil, err
	}
	return &ledger.TransferReceipt{
		LedgerTxID: decoded.ID,
		Amount:     amount,
		Status:     mapTransferState(decoded.State),
		CreatedAt:  parseTime(decoded.CreatedAt),
	}, nil
}

// Balance 查询钱包的 USDC 余额。
func (c *Client) Balance(ctx context.Context, walletID string) (ledger.Amount, error) {
	var decoded struct {
		Balances []struct {
			Currency string `json:"currency"`
			Amount   string `json:"amount"`
		} `json:"balances"`
	}
	if err := c.get(ctx, "/wallets/"+url.PathEscape(walletID), &decoded); err != nil {
		return 0, err
	}
	for _, balance := range decoded.Balances {
		if strings.EqualFold(balance.Currency, "usdc") {
			return parseAmount(balance.Amount)
		}
	}
	return 0, nil
}

// FindTransfer 按幂等键查询权威的转账记录，供对账流程判断转账是否执行过。
func (c *Client) FindTransfer(ctx context.Context, idemKey string) (*ledger.TransferReceipt, error) {
	var decoded struct {
		Data []struct {
			ID        string `json:"id"`
			State     string `json:"state"`
			Amount    string `json:"amount"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
	}
	endpoint := "/transfers?idempotency_key=" + url.QueryEscape(idemKey)
	if err := c.get(ctx, endpoint, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) == 0 {
		return nil, ledger.ErrTransferNotFound
	}
	entry := decoded.Data[0]
	amount, err := parseAmount(entry.Amount)
	if err != nil {
		return nil, err
	}
	return &ledger.TransferReceipt{
		LedgerTxID: entry.ID,
		Amount:     amount,
		Status:     mapTransferState(entry.State),
		CreatedAt:  parseTime(entry.CreatedAt),
	}, nil
}

func (c *Client) post(ctx context.Context, path, idemKey string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 Bridge 请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Wrap(ledger.CodeUnavailable, err, "构建 Bridge 请求失败")
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return xerrors.Wrap(ledger.CodeUnavailable, err, "构建 Bridge 请求失败")
	}
	req.Header.Set("Api-Key", c.apiKey)
	return c.do(req, out)
}

// do 统一区分暂时性与终态失败：网络错误和 5xx 视为账本不可用（可重试），
// 4xx 视为账本明确拒绝（不可重试）。
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return xerrors.Wrap(ledger.CodeUnavailable, err, "Bridge 请求超时")
		}
		return xerrors.Wrap(ledger.CodeUnavailable, err, "请求 Bridge 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return xerrors.Wrap(ledger.CodeUnavailable, ledger.ErrUnavailable,
			fmt.Sprintf("Bridge 返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		text := strings.TrimSpace(string(body))
		if strings.Contains(strings.ToLower(text), "insufficient") {
			return ledger.ErrInsufficientFunds
		}
		return xerrors.Wrap(ledger.CodeRejected, ledger.ErrRejected,
			fmt.Sprintf("Bridge 返回 %d: %s", resp.StatusCode, text))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(ledger.CodeUnavailable, err, "解析 Bridge 响应失败")
	}
	return nil
}

// formatAmount 把分转换成 Bridge 使用的十进制字符串。
func formatAmount(amount ledger.Amount) string {
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

// parseAmount 把十进制字符串转换成分。
func parseAmount(raw string) (ledger.Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	parts := strings.SplitN(raw, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(ledger.CodeRejected, err, "解析 Bridge 金额失败")
	}
	cents := whole * 100
	if len(parts) == 2 {
		frac := parts[1]
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		fracValue, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, xerrors.Wrap(ledger.CodeRejected, err, "解析 Bridge 金额失败")
		}
		cents += fracValue
	}
	return ledger.Amount(cents), nil
}

func mapTransferState(state string) ledger.TransferStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "payment_processed", "completed", "complete":
		return ledger.TransferCompleted
	default:
		return ledger.TransferPending
	}
}

func parseTime(raw string) time.Time {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Now()
}

var _ ledger.Ledger = (*Client)(nil)

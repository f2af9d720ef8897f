package walta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Walta REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Profile mirrors the decision persona accepted by the agent endpoint.
type Profile struct {
	Name           string   `json:"name,omitempty"`
	Role           string   `json:"role,omitempty"`
	Expertise      []string `json:"expertise,omitempty"`
	RiskTolerance  string   `json:"risk_tolerance,omitempty"`
	PriceCeilingCt int64    `json:"price_ceiling_cents,omitempty"`
}

// AgentRegistration represents the payload required to authenticate an agent.
type AgentRegistration struct {
	Handle   string   `json:"handle"`
	Profile  *Profile `json:"profile,omitempty"`
	Services []string `json:"services,omitempty"`
}

// Agent describes an authenticated agent identity.
type Agent struct {
	DID      string `json:"did"`
	Handle   string `json:"handle"`
	WalletID string `json:"wallet_id"`
}

// ProposalSubmission represents the payload required to open a negotiation.
type ProposalSubmission struct {
	InitiatorDID    string `json:"initiator_did"`
	CounterpartyDID string `json:"counterparty_did"`
	Service         string `json:"service"`
	PriceCents      int64  `json:"price_cents"`
}

// Decision is the counterparty's verdict on a proposal.
type Decision struct {
	ProposalID string `json:"proposal_id"`
	Choice     string `json:"choice"`
	Rationale  string `json:"rationale"`
	Decider    string `json:"decider"`
	TradeID    string `json:"trade_id,omitempty"`
}

// Trade contains the current view of a registered trade.
type Trade struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	Payer      string `json:"payer"`
	Payee      string `json:"payee"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// TradeList is the paginated trade listing response.
type TradeList struct {
	Trades []Trade `json:"trades"`
	Count  int     `json:"count"`
}

// SettlementReceipt proves a trade has been settled exactly once.
type SettlementReceipt struct {
	TradeID    string    `json:"trade_id"`
	LedgerTxID string    `json:"ledger_tx_id"`
	Amount     int64     `json:"amount"`
	SettledAt  time.Time `json:"settled_at"`
}

// Balance reports the custodial wallet balance of an agent.
type Balance struct {
	DID          string `json:"did"`
	WalletID     string `json:"wallet_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// ListTradesOptions filters the trade listing endpoint.
type ListTradesOptions struct {
	Limit  int
	Offset int
	Status string
	Party  string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("walta api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("walta api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Walta API. When httpClient is nil, a
// default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the bearer token attached to subsequent calls. Leave it
// unset against servers running with auth disabled.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AuthenticateAgent registers an agent identity and custodial wallet.
func (c *Client) AuthenticateAgent(ctx context.Context, reg AgentRegistration) (Agent, error) {
	var agent Agent
	if err := c.post(ctx, "/api/v1/agents", reg, &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// SubmitProposal opens a negotiation and waits for the counterparty verdict.
func (c *Client) SubmitProposal(ctx context.Context, submission ProposalSubmission) (Decision, error) {
	var decision Decision
	if err := c.post(ctx, "/api/v1/proposals", submission, &decision); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// GetTrade fetches trade details by identifier.
func (c *Client) GetTrade(ctx context.Context, tradeID string) (Trade, error) {
	var trade Trade
	if err := c.get(ctx, "/api/v1/trades/"+url.PathEscape(tradeID), &trade); err != nil {
		return Trade{}, err
	}
	return trade, nil
}

// ListTrades fetches trades matching the given filters.
func (c *Client) ListTrades(ctx context.Context, opts ListTradesOptions) (TradeList, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Party != "" {
		query.Set("party", opts.Party)
	}
	endpoint := "/api/v1/trades"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var listing TradeList
	if err := c.get(ctx, endpoint, &listing); err != nil {
		return TradeList{}, err
	}
	return listing, nil
}

// SettleTrade triggers settlement and returns the receipt. Settlement is
// idempotent: repeating the call returns the original receipt.
func (c *Client) SettleTrade(ctx context.Context, tradeID string) (SettlementReceipt, error) {
	var receipt SettlementReceipt
	if err := c.post(ctx, "/api/v1/trades/"+url.PathEscape(tradeID)+"/settle", nil, &receipt); err != nil {
		return SettlementReceipt{}, err
	}
	return receipt, nil
}

// CancelTrade aborts a trade that has not been funded yet.
func (c *Client) CancelTrade(ctx context.Context, tradeID string) (Trade, error) {
	var trade Trade
	if err := c.post(ctx, "/api/v1/trades/"+url.PathEscape(tradeID)+"/cancel", nil, &trade); err != nil {
		return Trade{}, err
	}
	return trade, nil
}

// GetBalance fetches the wallet balance of an agent.
func (c *Client) GetBalance(ctx context.Context, did string) (Balance, error) {
	var balance Balance
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(did)+"/balance", &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

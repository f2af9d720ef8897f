package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Walta-Core/internal/auth"
	xerrors "Walta-Core/internal/errors"
	"Walta-Core/internal/identity"
	"Walta-Core/internal/ledger"
	"Walta-Core/internal/observability/metrics"
	"Walta-Core/internal/reason"
	"Walta-Core/internal/session"
	"Walta-Core/internal/trade"
	"Walta-Core/internal/wallet"
	"Walta-Core/pkg/logger"
)

// DeciderFactory 为新认证的智能体构造决策器。
type DeciderFactory func(profile *reason.Profile, services []string) (reason.Decider, error)

// ScriptedDeciderFactory 返回基于人格脚本的决策器工厂。
func ScriptedDeciderFactory() DeciderFactory {
	return func(profile *reason.Profile, services []string) (reason.Decider, error) {
		return reason.NewScriptedDecider(profile, services...), nil
	}
}

// Server 暴露交易系统的 REST 接口。
type Server struct {
	addr     string
	manager  *session.Manager
	store    trade.Store
	authSvc  *auth.Service
	deciders DeciderFactory
	baseCtx  context.Context
}

// NewServer 构造 API 服务实例。authSvc 为 nil 时所有接口不做认证。
func NewServer(addr string, manager *session.Manager, store trade.Store, authSvc *auth.Service, deciders DeciderFactory) *Server {
	if deciders == nil {
		deciders = ScriptedDeciderFactory()
	}
	return &Server{
		addr:     addr,
		manager:  manager,
		store:    store,
		authSvc:  authSvc,
		deciders: deciders,
		baseCtx:  context.Background(),
	}
}

// Handler 组装路由，供 Start 与测试复用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/agents", s.instrument("agents", s.handleAgents))
	mux.Handle("/api/v1/agents/", s.instrument("agent_balance", s.handleAgentBalance))
	mux.Handle("/api/v1/proposals", s.instrument("proposals", s.handleProposals))
	mux.Handle("/api/v1/trades", s.instrument("trades", s.handleTrades))
	mux.Handle("/api/v1/trades/", s.instrument("trade", s.handleTrade))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	if s.authSvc != nil && s.authSvc.Mode() != auth.ModeDisabled {
		guard := s.authSvc.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {"trades:read"},
				http.MethodPost: {"trades:write"},
			},
		})
		guarded := http.NewServeMux()
		guarded.Handle("/api/v1/", guard(mux))
		guarded.Handle("/metrics", metrics.Handler())
		guarded.HandleFunc("/healthz", s.handleHealth)
		return guarded
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type authenticateRequest struct {
	Handle   string          `json:"handle"`
	Profile  *reason.Profile `json:"profile,omitempty"`
	Services []string        `json:"services,omitempty"`
}

type agentResponse struct {
	DID      string `json:"did"`
	Handle   string `json:"handle"`
	WalletID string `json:"wallet_id"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Handle) == "" {
		http.Error(w, "handle 不能为空", http.StatusBadRequest)
		return
	}
	decider, err := s.deciders(req.Profile, req.Services)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.manager.Authenticate(r.Context(), req.Handle, req.Profile, decider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess.StartServing(s.baseCtx)
	writeJSON(w, http.StatusCreated, agentResponse{
		DID:      sess.DID(),
		Handle:   sess.Handle(),
		WalletID: sess.WalletID(),
	})
}

func (s *Server) handleAgentBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	did, ok := strings.CutSuffix(rest, "/balance")
	if !ok || did == "" {
		http.NotFound(w, r)
		return
	}
	sess, found := s.manager.Session(did)
	if !found {
		http.Error(w, "未知的智能体", http.StatusNotFound)
		return
	}
	balance, err := sess.Balance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":           did,
		"wallet_id":     sess.WalletID(),
		"balance_cents": balance,
	})
}

type proposalRequest struct {
	InitiatorDID    string        `json:"initiator_did"`
	CounterpartyDID string        `json:"counterparty_did"`
	Service         string        `json:"service"`
	PriceCents      ledger.Amount `json:"price_cents"`
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	sess, found := s.manager.Session(req.InitiatorDID)
	if !found {
		http.Error(w, "未知的发起方", http.StatusNotFound)
		return
	}
	decision, err := sess.SubmitProposal(r.Context(), req.CounterpartyDID, req.Service, req.PriceCents)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	opts := []trade.ListOption{}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, trade.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, trade.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]trade.Status, 0, 2)
		for _, item := range strings.Split(raw, ",") {
			status := trade.Status(strings.TrimSpace(item))
			if !trade.IsValidStatus(status) {
				http.Error(w, "非法的状态过滤", http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, trade.WithStatuses(statuses...))
	}
	if party := query.Get("party"); party != "" {
		opts = append(opts, trade.WithParty(party))
	}
	trades, err := s.store.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades, "count": len(trades)})
}

// handleTrade 路由 /api/v1/trades/{id} 及其 settle、cancel 子资源。
func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/trades/")
	tradeID, action, _ := strings.Cut(rest, "/")
	if tradeID == "" {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetTrade(w, r, tradeID)
	case action == "settle" && r.Method == http.MethodPost:
		s.handleSettle(w, r, tradeID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, tradeID)
	default:
		http.Error(w, "不支持的交易操作", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request, tradeID string) {
	t, err := s.store.GetTrade(r.Context(), tradeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request, tradeID string) {
	start := time.Now()
	receipt, err := s.manager.Orchestrator().Settle(r.Context(), tradeID)
	metrics.ObserveSettlement(settlementOutcome(err), time.Since(start))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, tradeID string) {
	if err := s.manager.Orchestrator().Cancel(r.Context(), tradeID); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.store.GetTrade(r.Context(), tradeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录每个接口的请求指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func settlementOutcome(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, trade.ErrRetriesExhausted):
		return "compensated"
	default:
		return "failed"
	}
}

// writeError 把领域错误翻译成 HTTP 状态码。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trade.ErrTradeConflict), errors.Is(err, trade.ErrAlreadySettled):
		status = http.StatusConflict
	case errors.Is(err, trade.ErrIdentityNotVerified), errors.Is(err, identity.ErrUnresolvable), errors.Is(err, identity.ErrInvalidSignature):
		status = http.StatusForbidden
	case errors.Is(err, wallet.ErrFundingDenied), errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, trade.ErrRetriesExhausted), errors.Is(err, ledger.ErrUnavailable):
		status = http.StatusBadGateway
	}
	body := map[string]string{"error": err.Error()}
	if _, ok := xerrors.From(err); ok {
		body["code"] = string(xerrors.CodeOf(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

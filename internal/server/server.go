package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roomfi/internal/agreement"
	"roomfi/internal/chain"
	"roomfi/internal/config"
	"roomfi/internal/hmacauth"
	"roomfi/internal/keylock"
	"roomfi/internal/ledger"
	"roomfi/internal/logging"
	"roomfi/internal/metrics"
	"roomfi/internal/network"
	"roomfi/internal/statestore"
	"roomfi/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	IdempotencyHeader = "X-Idempotency-Key"
	idempotencyPrefix = "idem/"
)

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

type Options struct {
	Service     config.ServiceConfig
	Coordinator *network.Coordinator
	Store       statestore.Store
	Metrics     *metrics.Registry
	Logger      *zap.Logger
}

type Server struct {
	cfg        config.ServiceConfig
	coord      *network.Coordinator
	store      statestore.Store
	guard      *hmacauth.Guard
	replays    *keylock.Locker[string]
	metrics    *metrics.Registry
	log        *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	dbHealthFn func(context.Context) error
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:     opts.Service,
		coord:   opts.Coordinator,
		store:   opts.Store,
		replays: keylock.New[string](),
		metrics: opts.Metrics,
		log:     opts.Logger.With(zap.String("component", "http")),
	}
	s.guard = &hmacauth.Guard{
		Secret:    opts.Service.HMACSecret,
		MaxSkew:   opts.Service.HMACClockSkew,
		KeyHeader: IdempotencyHeader,
		OnReject: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.For(r.Context(), s.log).Warn("rejected unsigned request", zap.Error(err))
			status, body := classify(err)
			writeJSON(w, status, body)
		},
	}
	if checker, ok := opts.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)

	api.Handle("/networks", s.read(s.listNetworks)).Methods(http.MethodGet)
	api.Handle("/network", s.read(s.activeNetwork)).Methods(http.MethodGet)
	api.Handle("/network", s.write(s.switchNetwork, false)).Methods(http.MethodPost)

	api.Handle("/accounts/{owner}/balance", s.read(s.balance)).Methods(http.MethodGet)

	api.Handle("/passports/{owner}", s.read(s.lookupPassport)).Methods(http.MethodGet)
	api.Handle("/passports", s.write(s.createPassport, true)).Methods(http.MethodPost)

	api.Handle("/vault/{owner}", s.read(s.vaultPosition)).Methods(http.MethodGet)
	api.Handle("/vault/deposit", s.write(s.vaultDeposit, true)).Methods(http.MethodPost)
	api.Handle("/vault/withdraw", s.write(s.vaultWithdraw, true)).Methods(http.MethodPost)

	api.Handle("/agreements", s.read(s.listAgreements)).Methods(http.MethodGet)
	api.Handle("/agreements", s.write(s.createAgreement, true)).Methods(http.MethodPost)
	api.Handle("/agreements/{address}", s.read(s.getAgreement)).Methods(http.MethodGet)
	api.Handle("/agreements/{address}/sign", s.write(s.signAgreement, true)).Methods(http.MethodPost)
	api.Handle("/agreements/{address}/deposit", s.write(s.payDeposit, true)).Methods(http.MethodPost)
	api.Handle("/agreements/{address}/rent", s.write(s.payRent, true)).Methods(http.MethodPost)
	api.Handle("/agreements/{address}/disputes", s.write(s.raiseDispute, true)).Methods(http.MethodPost)
	api.Handle("/agreements/{address}/disputes/{id}/responses", s.write(s.respondToDispute, true)).Methods(http.MethodPost)

	api.Handle("/transactions/pending", s.read(s.pendingTransactions)).Methods(http.MethodGet)
	api.Handle("/transactions/reconcile", s.write(s.reconcile, false)).Methods(http.MethodPost)

	r.Use(logging.Middleware(opts.Logger))
	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// apiFunc handles one request and returns the success status and body.
type apiFunc func(r *http.Request) (int, any, error)

func (s *Server) read(fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, body := s.render(r, fn)
		writeRaw(w, status, body)
	})
}

// write guards a mutating route with request signing. Value-bearing routes
// also require an idempotency key; a successful or pending response is
// replayed for repeats of the same key on the same chain instead of
// running fn again.
func (s *Server) write(fn apiFunc, idempotent bool) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !idempotent {
			status, body := s.render(r, fn)
			writeRaw(w, status, body)
			return
		}

		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Message: "missing " + IdempotencyHeader + " header"})
			return
		}
		ctx := r.Context()
		b, err := s.coord.Current()
		if err != nil {
			status, body := classify(err)
			writeJSON(w, status, body)
			return
		}
		storeKey := fmt.Sprintf("%s%d %s %s %s", idempotencyPrefix, b.Profile.ChainID, r.Method, r.URL.Path, key)

		unlock, err := s.replays.Lock(ctx, storeKey)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "cancelled", Message: err.Error()})
			return
		}
		defer unlock()

		if existing, _ := s.store.Get(ctx, storeKey); existing != nil {
			s.metrics.IncReplay()
			logging.For(ctx, s.log).Info("replaying idempotent response", zap.String("key", key), zap.Int("status", existing.StatusCode))
			writeRaw(w, existing.StatusCode, existing.Value)
			return
		}

		status, body := s.render(r, fn)
		if status < http.StatusMultipleChoices {
			now := time.Now().UTC()
			record := statestore.Record{StatusCode: status, Value: body, CreatedAt: now}
			if s.cfg.IdempotencyWindow > 0 {
				record.ExpiresAt = now.Add(s.cfg.IdempotencyWindow)
			}
			if err := s.store.Save(ctx, storeKey, record); err != nil {
				logging.For(ctx, s.log).Warn("could not store idempotent response", zap.String("key", key), zap.Error(err))
			}
		}
		writeRaw(w, status, body)
	})
	return s.guard.Wrap(h)
}

func (s *Server) render(r *http.Request, fn apiFunc) (int, []byte) {
	status, result, err := fn(r)
	if err != nil {
		status, eb := classify(err)
		if status >= http.StatusInternalServerError {
			logging.For(r.Context(), s.log).Error("request failed", zap.Error(err))
		}
		body, _ := json.Marshal(eb)
		return status, body
	}
	body, err := json.Marshal(result)
	if err != nil {
		body, _ = json.Marshal(errorBody{Code: "internal", Message: err.Error()})
		return http.StatusInternalServerError, body
	}
	return status, body
}

type errorBody struct {
	Code              string          `json:"code"`
	Message           string          `json:"message"`
	FundsMayHaveMoved bool            `json:"fundsMayHaveMoved"`
	Tx                *chain.TxHandle `json:"tx,omitempty"`
}

// errorStatuses is checked in order; the first kind err matches wins.
var errorStatuses = []struct {
	kind   error
	status int
	code   string
}{
	{hmacauth.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
	{chain.ErrTransactionPending, http.StatusAccepted, "transaction_pending"},
	{chain.ErrTransactionTimeout, http.StatusAccepted, "transaction_timeout"},
	{chain.ErrUserRejected, http.StatusForbidden, "user_rejected"},
	{chain.ErrWrongChain, http.StatusConflict, "wrong_chain"},
	{chain.ErrUnknownChain, http.StatusConflict, "unknown_chain"},
	{chain.ErrInsufficientAllowance, http.StatusUnprocessableEntity, "insufficient_allowance"},
	{chain.ErrInsufficientVaultBalance, http.StatusUnprocessableEntity, "insufficient_vault_balance"},
	{chain.ErrTenantNotOnboarded, http.StatusUnprocessableEntity, "tenant_not_onboarded"},
	{chain.ErrPassportMintFailed, http.StatusUnprocessableEntity, "passport_mint_failed"},
	{chain.ErrDuplicateSignature, http.StatusConflict, "duplicate_signature"},
	{chain.ErrTransactionFailed, http.StatusUnprocessableEntity, "transaction_failed"},
	{chain.ErrCallReverted, http.StatusUnprocessableEntity, "call_reverted"},
	{chain.ErrNetworkUnreachable, http.StatusBadGateway, "network_unreachable"},
	{vault.ErrPositionUnavailable, http.StatusBadGateway, "position_unavailable"},
	{agreement.ErrNotParty, http.StatusForbidden, "not_party"},
	{agreement.ErrTransitionNotAllowed, http.StatusConflict, "transition_not_allowed"},
	{agreement.ErrNoDisputeResolver, http.StatusConflict, "no_dispute_resolver"},
	{network.ErrUnsupported, http.StatusConflict, "unsupported_on_network"},
	{agreement.ErrInvalidTerms, http.StatusBadRequest, "invalid_terms"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ledger.ErrDecimalsMismatch, http.StatusBadRequest, "decimals_mismatch"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{errNotFound, http.StatusNotFound, "not_found"},
	{network.ErrUnknownNetwork, http.StatusNotFound, "unknown_network"},
	{network.ErrNoActive, http.StatusServiceUnavailable, "no_active_network"},
	{network.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
}

func classify(err error) (int, errorBody) {
	body := errorBody{Code: "internal", Message: err.Error(), FundsMayHaveMoved: chain.FundsMayHaveMoved(err)}
	if h, ok := chain.PendingHandle(err); ok {
		body.Tx = h
	} else {
		var ce *chain.Error
		if errors.As(err, &ce) {
			body.Tx = ce.Tx
		}
	}
	for _, e := range errorStatuses {
		if errors.Is(err, e.kind) {
			body.Code = e.code
			return e.status, body
		}
	}
	return http.StatusInternalServerError, body
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, _ := json.Marshal(v)
	writeRaw(w, status, body)
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json payload: %v", errBadRequest, err)
	}
	return nil
}

func addressVar(r *http.Request, name string) (common.Address, error) {
	addr, err := chain.ParseAddress(mux.Vars(r)[name])
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return addr, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Network   chain.NetworkID `json:"network,omitempty"`
		ChainID   uint64          `json:"chainId,omitempty"`
		Connected bool            `json:"connected"`
		LatencyMs float64         `json:"latency_ms"`
		Error     string          `json:"error,omitempty"`
	}{}

	if b, err := s.coord.Current(); err != nil {
		rpcInfo.Error = err.Error()
		overallHealthy = false
	} else {
		rpcInfo.Network = b.Profile.ID
		rpcInfo.ChainID = b.Profile.ChainID
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := b.Client.Ping(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	pendingCount := 0
	if pending, err := s.coord.Pending(ctx); err == nil {
		pendingCount = len(pending)
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, struct {
		Status   string `json:"status"`
		RPC      any    `json:"rpc"`
		Database any    `json:"database"`
		Pending  int    `json:"pending_transactions"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Pending:  pendingCount,
	})
}

type networkView struct {
	ID           chain.NetworkID `json:"id"`
	ChainID      uint64          `json:"chainId"`
	Name         string          `json:"name"`
	NativeSymbol string          `json:"nativeSymbol"`
	Active       bool            `json:"active"`
	Contracts    map[string]any  `json:"contracts"`
}

func viewOf(p chain.Profile, active chain.NetworkID) networkView {
	contracts := map[string]any{"token": p.Contracts.Token}
	for name, addr := range map[string]common.Address{
		"passport":        p.Contracts.Passport,
		"vault":           p.Contracts.Vault,
		"factory":         p.Contracts.Factory,
		"disputeResolver": p.Contracts.DisputeResolver,
	} {
		if addr != (common.Address{}) {
			contracts[name] = addr
		}
	}
	return networkView{
		ID:           p.ID,
		ChainID:      p.ChainID,
		Name:         p.DisplayName,
		NativeSymbol: p.NativeSymbol,
		Active:       p.ID == active,
		Contracts:    contracts,
	}
}

func (s *Server) activeID() chain.NetworkID {
	if b, err := s.coord.Current(); err == nil {
		return b.Profile.ID
	}
	return ""
}

func (s *Server) listNetworks(*http.Request) (int, any, error) {
	active := s.activeID()
	var out []networkView
	for _, p := range s.coord.Networks() {
		out = append(out, viewOf(p, active))
	}
	return http.StatusOK, out, nil
}

func (s *Server) activeNetwork(*http.Request) (int, any, error) {
	b, err := s.coord.Current()
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, viewOf(b.Profile, b.Profile.ID), nil
}

func (s *Server) switchNetwork(r *http.Request) (int, any, error) {
	var req struct {
		Network chain.NetworkID `json:"network"`
	}
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	if req.Network == "" {
		return 0, nil, fmt.Errorf("%w: network is required", errBadRequest)
	}
	b, err := s.coord.Switch(r.Context(), req.Network)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, viewOf(b.Profile, b.Profile.ID), nil
}

func (s *Server) balance(r *http.Request) (int, any, error) {
	owner, err := addressVar(r, "owner")
	if err != nil {
		return 0, nil, err
	}
	b, err := s.coord.Current()
	if err != nil {
		return 0, nil, err
	}
	v, err := b.Ledger.Balance(r.Context(), owner)
	if err != nil {
		return 0, nil, err
	}
	resp := struct {
		Owner   common.Address  `json:"owner"`
		Network chain.NetworkID `json:"network"`
		Balance ledger.Amount   `json:"balance"`
		AsOf    time.Time       `json:"asOf"`
		Stale   bool            `json:"stale"`
		Warning string          `json:"warning,omitempty"`
	}{Owner: owner, Network: b.Profile.ID, Balance: v.V, AsOf: v.AsOf, Stale: v.Stale}
	if v.Warning != nil {
		resp.Warning = v.Warning.Error()
	}
	return http.StatusOK, resp, nil
}

func (s *Server) lookupPassport(r *http.Request) (int, any, error) {
	owner, err := addressVar(r, "owner")
	if err != nil {
		return 0, nil, err
	}
	b, err := s.coord.Current()
	if err != nil {
		return 0, nil, err
	}
	svc, err := b.Passports()
	if err != nil {
		return 0, nil, err
	}
	p, err := svc.Lookup(r.Context(), owner)
	if errors.Is(err, chain.ErrTenantNotOnboarded) {
		return 0, nil, fmt.Errorf("%w: %v", errNotFound, err)
	}
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, p, nil
}

func (s *Server) createPassport(r *http.Request) (int, any, error) {
	ctx := r.Context()
	b, err := s.coord.Current()
	if err != nil {
		return 0, nil, err
	}
	svc, err := b.Passports()
	if err != nil {
		return 0, nil, err
	}
	signer, err := s.coord.Signer(ctx)
	if err != nil {
		return 0, nil, err
	}
	p, err := svc.GetOrCreate(ctx, signer.Address(), signer)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, p, nil
}

func (s *Server) vaultPosition(r *http.Request) (int, any, error) {
	owner, err := addressVar(r, "owner")
	if err != nil {
		return 0, nil, err
	}
	b, err := s.coord.Current()
	if err != nil {
		return 0, nil, err
	}
	v, err := b.Vaults()
	if err != nil {
		return 0, nil, err
	}
	pos, err := v.Position(r.Context(), owner)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, pos, nil
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) vaultDeposit(r *http.Request) (int, any, error) {
	return s.vaultMove(r, true)
}

func (s *Server) vaultWithdraw(r *http.Request) (int, any, error) {
	return s.vaultMove(r, false)
}

func (s *Server) vaultMove(r *http.Request, deposit bool) (int, any, error) {
	ctx := r.Context()
	var req amountRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	b, err := s.coord.Current()
	if err != nil {
		return 0, nil, err
	}
	v, err := b.Vaults()
	if err != nil {
		return 0, nil, err
	}
	amount, err := b.Ledger.Parse(ctx, req.Amount)
	if err != nil {
		return 0, nil, err
	}
	signer, err := s.coord.Signer(ctx)
	if err != nil {
		return 0, nil, err
	}
	if deposit {
		pos, err := v.Deposit(ctx, amount, signer)
		return http.StatusOK, pos, err
	}
	pos, err := v.Withdraw(ctx, amount, signer)
	return http.StatusOK, pos, err
}

func (s *Server) orchestrator() (*network.Binding, *agreement.Orchestrator, error) {
	b, err := s.coord.Current()
	if err != nil {
		return nil, nil, err
	}
	o, err := b.Orchestrator()
	if err != nil {
		return nil, nil, err
	}
	return b, o, nil
}

func (s *Server) listAgreements(r *http.Request) (int, any, error) {
	ctx := r.Context()
	_, o, err := s.orchestrator()
	if err != nil {
		return 0, nil, err
	}
	q := r.URL.Query()
	var addrs []common.Address
	switch {
	case q.Get("tenant") != "":
		tenant, err := chain.ParseAddress(q.Get("tenant"))
		if err != nil {
			return 0, nil, fmt.Errorf("%w: tenant: %v", errBadRequest, err)
		}
		addrs, err = o.ListForTenant(ctx, tenant)
		if err != nil {
			return 0, nil, err
		}
	case q.Get("landlord") != "":
		landlord, err := chain.ParseAddress(q.Get("landlord"))
		if err != nil {
			return 0, nil, fmt.Errorf("%w: landlord: %v", errBadRequest, err)
		}
		addrs, err = o.ListForLandlord(ctx, landlord)
		if err != nil {
			return 0, nil, err
		}
	default:
		return 0, nil, fmt.Errorf("%w: tenant or landlord query parameter is required", errBadRequest)
	}

	out := make([]*agreement.Agreement, 0, len(addrs))
	for _, addr := range addrs {
		a, err := o.Get(ctx, addr)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, a)
	}
	return http.StatusOK, out, nil
}

func (s *Server) getAgreement(r *http.Request) (int, any, error) {
	addr, err := addressVar(r, "address")
	if err != nil {
		return 0, nil, err
	}
	_, o, err := s.orchestrator()
	if err != nil {
		return 0, nil, err
	}
	a, err := o.Get(r.Context(), addr)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, a, nil
}

type createAgreementRequest struct {
	PropertyID      string `json:"propertyId"`
	Tenant          string `json:"tenant"`
	MonthlyRent     string `json:"monthlyRent"`
	SecurityDeposit string `json:"securityDeposit"`
	DurationMonths  uint64 `json:"durationMonths"`
}

func (s *Server) createAgreement(r *http.Request) (int, any, error) {
	ctx := r.Context()
	var req createAgreementRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	b, o, err := s.orchestrator()
	if err != nil {
		return 0, nil, err
	}

	propertyID, ok := new(big.Int).SetString(req.PropertyID, 10)
	if !ok {
		return 0, nil, fmt.Errorf("%w: property id %q", agreement.ErrInvalidTerms, req.PropertyID)
	}
	tenant, err := chain.ParseAddress(req.Tenant)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: tenant: %v", agreement.ErrInvalidTerms, err)
	}
	rent, err := b.Ledger.Parse(ctx, req.MonthlyRent)
	if err != nil {
		return 0, nil, err
	}
	depositHuman := req.SecurityDeposit
	if depositHuman == "" {
		depositHuman = "0"
	}
	deposit, err := b.Ledger.Parse(ctx, depositHuman)
	if err != nil {
		return 0, nil, err
	}

	signer, err := s.coord.Signer(ctx)
	if err != nil {
		return 0, nil, err
	}
	out, err := o.Create(ctx, agreement.CreateRequest{
		PropertyID:      propertyID,
		Tenant:          tenant,
		MonthlyRent:     rent,
		SecurityDeposit: deposit,
		DurationMonths:  req.DurationMonths,
	}, signer)
	if err != nil {
		return 0, nil, err
	}
	if out.Skipped {
		return http.StatusOK, out, nil
	}
	return http.StatusCreated, out, nil
}

// transition runs one lifecycle step on the agreement named in the path.
func (s *Server) transition(r *http.Request, step func(ctx context.Context, o *agreement.Orchestrator, addr common.Address, signer chain.Signer) (agreement.Outcome, error)) (int, any, error) {
	ctx := r.Context()
	addr, err := addressVar(r, "address")
	if err != nil {
		return 0, nil, err
	}
	_, o, err := s.orchestrator()
	if err != nil {
		return 0, nil, err
	}
	signer, err := s.coord.Signer(ctx)
	if err != nil {
		return 0, nil, err
	}
	out, err := step(ctx, o, addr, signer)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, out, nil
}

func (s *Server) signAgreement(r *http.Request) (int, any, error) {
	return s.transition(r, func(ctx context.Context, o *agreement.Orchestrator, addr common.Address, signer chain.Signer) (agreement.Outcome, error) {
		return o.Sign(ctx, addr, signer)
	})
}

func (s *Server) payDeposit(r *http.Request) (int, any, error) {
	return s.transition(r, func(ctx context.Context, o *agreement.Orchestrator, addr common.Address, signer chain.Signer) (agreement.Outcome, error) {
		return o.PayDeposit(ctx, addr, signer)
	})
}

func (s *Server) payRent(r *http.Request) (int, any, error) {
	var req struct {
		ObservedPayments *uint64 `json:"observedPayments"`
	}
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	return s.transition(r, func(ctx context.Context, o *agreement.Orchestrator, addr common.Address, signer chain.Signer) (agreement.Outcome, error) {
		return o.PayRent(ctx, addr, req.ObservedPayments, signer)
	})
}

func (s *Server) raiseDispute(r *http.Request) (int, any, error) {
	var req struct {
		Reason   uint8  `json:"reason"`
		Evidence string `json:"evidence"`
	}
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	return s.transition(r, func(ctx context.Context, o *agreement.Orchestrator, addr common.Address, signer chain.Signer) (agreement.Outcome, error) {
		return o.RaiseDispute(ctx, addr, req.Reason, req.Evidence, signer)
	})
}

func (s *Server) respondToDispute(r *http.Request) (int, any, error) {
	var req struct {
		Evidence string `json:"evidence"`
	}
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	id, ok := new(big.Int).SetString(mux.Vars(r)["id"], 10)
	if !ok || id.Sign() < 0 {
		return 0, nil, fmt.Errorf("%w: dispute id %q", errBadRequest, mux.Vars(r)["id"])
	}
	return s.transition(r, func(ctx context.Context, o *agreement.Orchestrator, addr common.Address, signer chain.Signer) (agreement.Outcome, error) {
		return o.RespondToDispute(ctx, addr, id, req.Evidence, signer)
	})
}

func (s *Server) pendingTransactions(r *http.Request) (int, any, error) {
	pending, err := s.coord.Pending(r.Context())
	if err != nil {
		return 0, nil, err
	}
	if pending == nil {
		pending = []chain.TxHandle{}
	}
	return http.StatusOK, pending, nil
}

func (s *Server) reconcile(r *http.Request) (int, any, error) {
	res, err := s.coord.Reconcile(r.Context())
	if err != nil {
		return 0, nil, err
	}
	if res == nil {
		res = []network.Resolution{}
	}
	return http.StatusOK, res, nil
}

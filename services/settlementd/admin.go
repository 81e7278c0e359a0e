package settlementd

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"affilnet/native/affiliate"
	"affilnet/native/pooldist"
	"affilnet/services/settlementd/storage"
)

// AdminServer exposes HTTP endpoints for operator controls and the service
// API surface.
type AdminServer struct {
	processor *Processor
	trees     *affiliate.TreeEngine
	levels    *affiliate.LevelSchedule
	store     *storage.Store
	router    chi.Router
}

// NewAdminServer constructs the HTTP surface. The authenticator guards every
// route except health and metrics.
func NewAdminServer(processor *Processor, trees *affiliate.TreeEngine, levels *affiliate.LevelSchedule, store *storage.Store, auth *Authenticator, rps float64, burst int) *AdminServer {
	server := &AdminServer{
		processor: processor,
		trees:     trees,
		levels:    levels,
		store:     store,
	}
	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(RateLimit(rps, burst))

		r.Post("/admin/pause", server.handlePause)
		r.Post("/admin/resume", server.handleResume)
		r.Get("/admin/status", server.handleStatus)
		r.Post("/admin/sweep", server.handleSweep)
		r.Post("/admin/distribute", server.handleDistribute)
		r.Post("/admin/commission", server.handleUpdateCommission)
		r.Post("/admin/levels", server.handleUpdateLevel)
		r.Post("/admin/nodes/status", server.handleNodeStatus)

		r.Post("/trees", server.handleCreateTree)
		r.Post("/trees/members", server.handleAttachMember)
		r.Get("/trees/{wallet}/hierarchy", server.handleHierarchy)

		r.Post("/trades", server.handleTrade)
		r.Post("/withdrawals", server.handleWithdraw)
		r.Post("/pools", server.handleCreatePool)
		r.Post("/pools/{id}/stakes", server.handleStake)
	})
	server.router = router
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.processor.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.processor.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processor.Status())
}

func (s *AdminServer) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.processor.SweepOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type distributeRequest struct {
	Token      string `json:"token"`
	Allocation string `json:"allocation"`
	Force      bool   `json:"force"`
}

func (s *AdminServer) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	allocation, err := decimal.NewFromString(req.Allocation)
	if err != nil {
		http.Error(w, "invalid allocation", http.StatusBadRequest)
		return
	}
	outcome, err := s.processor.DistributeToken(r.Context(), req.Token, allocation, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type commissionUpdateRequest struct {
	RootWallet string `json:"root_wallet"`
	Percent    string `json:"percent"`
}

func (s *AdminServer) handleUpdateCommission(w http.ResponseWriter, r *http.Request) {
	var req commissionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	percent, err := decimal.NewFromString(req.Percent)
	if err != nil {
		http.Error(w, "invalid percent", http.StatusBadRequest)
		return
	}
	if err := s.trees.UpdateRootCommission(r.Context(), req.RootWallet, percent); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type levelUpdateRequest struct {
	Level   int    `json:"level"`
	Percent string `json:"percent"`
}

func (s *AdminServer) handleUpdateLevel(w http.ResponseWriter, r *http.Request) {
	var req levelUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	percent, err := decimal.NewFromString(req.Percent)
	if err != nil {
		http.Error(w, "invalid percent", http.StatusBadRequest)
		return
	}
	if err := s.levels.SetPercent(req.Level, percent); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nodeStatusRequest struct {
	Wallet string `json:"wallet"`
	Active bool   `json:"active"`
}

func (s *AdminServer) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	var req nodeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.trees.SetNodeStatus(r.Context(), req.Wallet, req.Active); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTreeRequest struct {
	RootWallet   string `json:"root_wallet"`
	TotalPercent string `json:"total_percent"`
}

func (s *AdminServer) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	var req createTreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	percent, err := decimal.NewFromString(req.TotalPercent)
	if err != nil {
		http.Error(w, "invalid percent", http.StatusBadRequest)
		return
	}
	tree, err := s.trees.CreateTree(r.Context(), req.RootWallet, percent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tree)
}

type attachMemberRequest struct {
	ReferrerWallet string `json:"referrer_wallet"`
	Wallet         string `json:"wallet"`
}

func (s *AdminServer) handleAttachMember(w http.ResponseWriter, r *http.Request) {
	var req attachMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	node, err := s.trees.AttachMember(r.Context(), req.ReferrerWallet, req.Wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *AdminServer) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	view, err := s.trees.HierarchyView(r.Context(), wallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type tradeRequest struct {
	OrderRef string `json:"order_ref"`
	Wallet   string `json:"wallet"`
	Volume   string `json:"volume"`
	Asset    string `json:"asset"`
}

func (s *AdminServer) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	volume, err := decimal.NewFromString(req.Volume)
	if err != nil {
		http.Error(w, "invalid volume", http.StatusBadRequest)
		return
	}
	entries, err := s.processor.ProcessTrade(r.Context(), affiliate.TradeEvent{
		OrderRef: req.OrderRef,
		Wallet:   req.Wallet,
		Volume:   volume,
		Asset:    req.Asset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type withdrawRequest struct {
	Wallet string `json:"wallet"`
	Asset  string `json:"asset"`
}

func (s *AdminServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	created, err := s.processor.CreateWithdrawRequest(r.Context(), req.Wallet, req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type createPoolRequest struct {
	Creator       string `json:"creator"`
	InitialVolume string `json:"initial_volume"`
	FundingTx     string `json:"funding_tx"`
}

func (s *AdminServer) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	volume, err := decimal.NewFromString(req.InitialVolume)
	if err != nil {
		http.Error(w, "invalid volume", http.StatusBadRequest)
		return
	}
	pool, err := s.processor.CreatePool(r.Context(), req.Creator, volume, req.FundingTx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

type stakeRequest struct {
	Wallet    string `json:"wallet"`
	Volume    string `json:"volume"`
	FundingTx string `json:"funding_tx"`
}

func (s *AdminServer) handleStake(w http.ResponseWriter, r *http.Request) {
	poolID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid pool id", http.StatusBadRequest)
		return
	}
	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	volume, err := decimal.NewFromString(req.Volume)
	if err != nil {
		http.Error(w, "invalid volume", http.StatusBadRequest)
		return
	}
	stake, err := s.processor.Stake(r.Context(), poolID, req.Wallet, volume, req.FundingTx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stake)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrProcessorPaused):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrBelowMinimum),
		errors.Is(err, affiliate.ErrInvalidPercent),
		errors.Is(err, affiliate.ErrInvalidPercentOrdering),
		errors.Is(err, affiliate.ErrInsufficientRootCommission),
		errors.Is(err, affiliate.ErrLevelNotFound):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrRequestInFlight),
		errors.Is(err, ErrPoolInactive),
		errors.Is(err, affiliate.ErrAlreadyRoot),
		errors.Is(err, affiliate.ErrAlreadyMember),
		errors.Is(err, affiliate.ErrCycle),
		errors.Is(err, pooldist.ErrAlreadyDistributed),
		errors.Is(err, storage.ErrRewardsClaimed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrPoolNotFound),
		errors.Is(err, affiliate.ErrTreeNotFound),
		errors.Is(err, affiliate.ErrNodeNotFound),
		errors.Is(err, affiliate.ErrNotInTree):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrNoRewards):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, affiliate.ErrTreeInactive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/azizikri/coupon-issuance/internal/domain"
	"github.com/azizikri/coupon-issuance/internal/logger"
	"github.com/azizikri/coupon-issuance/internal/usecase"
	"github.com/go-chi/chi/v5"
)

type ClaimRequest struct {
	PoolID      int64 `json:"pool_id"`
	RequesterID int64 `json:"requester_id"`
}

type CreatePoolRequest struct {
	Name           string     `json:"name"`
	DiscountAmount int64      `json:"discount_amount"`
	Capacity       int        `json:"capacity"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type CreateRequesterRequest struct {
	Name string `json:"name"`
}

type ClaimResponse struct {
	ClaimID     int64      `json:"claim_id"`
	PoolID      int64      `json:"pool_id"`
	RequesterID int64      `json:"requester_id"`
	Status      string     `json:"status"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

type ReceiptResponse struct {
	PoolID      int64  `json:"pool_id"`
	RequesterID int64  `json:"requester_id"`
	EventID     string `json:"event_id"`
	Status      string `json:"status"`
}

type PoolResponse struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	DiscountAmount int64      `json:"discount_amount"`
	Capacity       int        `json:"capacity"`
	Granted        int        `json:"granted"`
	Remaining      int        `json:"remaining"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type RequesterResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	issuance usecase.IssuanceUsecase
	pools    usecase.PoolUsecase
	log      logger.Logger
}

func NewHandler(issuance usecase.IssuanceUsecase, pools usecase.PoolUsecase, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{issuance: issuance, pools: pools, log: log.With("component", "http")}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/claims", h.IssueSync)
		r.Post("/claims/async", h.IssueAsync)
		r.Post("/claims/{id}/use", h.UseClaim)

		r.Post("/pools", h.CreatePool)
		r.Get("/pools", h.ListPools)
		r.Get("/pools/{id}", h.GetPool)
		r.Get("/pools/{id}/claims", h.ListClaims)

		r.Post("/requesters", h.CreateRequester)
	})
}

func (h *Handler) IssueSync(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrInvalidRequest, "invalid request body")
		return
	}

	claim, err := h.issuance.IssueSync(r.Context(), req.PoolID, req.RequesterID)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toClaimResponse(claim))
}

func (h *Handler) IssueAsync(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrInvalidRequest, "invalid request body")
		return
	}

	receipt, err := h.issuance.IssueAsync(r.Context(), req.PoolID, req.RequesterID)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusAccepted, ReceiptResponse{
		PoolID:      receipt.PoolID,
		RequesterID: receipt.RequesterID,
		EventID:     receipt.EventID,
		Status:      receipt.Status,
	})
}

func (h *Handler) UseClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, domain.ErrClaimNotFound, "")
		return
	}

	claim, err := h.pools.MarkClaimUsed(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toClaimResponse(claim))
}

func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrInvalidRequest, "invalid request body")
		return
	}

	pool, err := h.pools.CreatePool(r.Context(), domain.NewPool{
		Name:           req.Name,
		DiscountAmount: req.DiscountAmount,
		Capacity:       req.Capacity,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, toPoolResponse(pool))
}

func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.ListPools(r.Context())
	if err != nil {
		h.writeError(w, err, "")
		return
	}

	resp := make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		resp = append(resp, toPoolResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, domain.ErrPoolNotFound, "")
		return
	}

	pool, err := h.pools.GetPool(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toPoolResponse(pool))
}

func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.writeError(w, domain.ErrPoolNotFound, "")
		return
	}

	claims, err := h.pools.ListClaims(r.Context(), id)
	if err != nil {
		h.writeError(w, err, "")
		return
	}

	resp := make([]ClaimResponse, 0, len(claims))
	for _, c := range claims {
		resp = append(resp, toClaimResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateRequester(w http.ResponseWriter, r *http.Request) {
	var req CreateRequesterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrInvalidRequest, "invalid request body")
		return
	}

	requester, err := h.pools.CreateRequester(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, RequesterResponse{ID: requester.ID, Name: requester.Name})
}

func (h *Handler) writeError(w http.ResponseWriter, err error, message string) {
	code := domain.ReasonCode(err)
	status := statusFor(code)
	if message == "" {
		message = err.Error()
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
		message = "internal server error"
	}
	if errors.Is(err, domain.ErrLockTimeout) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func statusFor(code string) int {
	switch code {
	case domain.ReasonInvalidRequest:
		return http.StatusBadRequest
	case domain.ReasonNotFound:
		return http.StatusNotFound
	case domain.ReasonExpired:
		return http.StatusGone
	case domain.ReasonExhausted, domain.ReasonAlreadyClaimed, domain.ReasonAlreadyUsed:
		return http.StatusConflict
	case domain.ReasonLockTimeout:
		return http.StatusTooManyRequests
	case domain.ReasonUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func toClaimResponse(c domain.Claim) ClaimResponse {
	return ClaimResponse{
		ClaimID:     c.ID,
		PoolID:      c.PoolID,
		RequesterID: c.RequesterID,
		Status:      domain.StatusIssued,
		ClaimedAt:   c.ClaimedAt,
		Used:        c.Used,
		UsedAt:      c.UsedAt,
	}
}

func toPoolResponse(p domain.Pool) PoolResponse {
	return PoolResponse{
		ID:             p.ID,
		Name:           p.Name,
		DiscountAmount: p.DiscountAmount,
		Capacity:       p.Capacity,
		Granted:        p.Granted,
		Remaining:      p.Remaining(),
		ExpiresAt:      p.ExpiresAt,
		CreatedAt:      p.CreatedAt,
	}
}

package handler

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/christcr2012/StreamFlow-sub010/internal/auth"
	"github.com/christcr2012/StreamFlow-sub010/internal/domain"
	"github.com/christcr2012/StreamFlow-sub010/internal/logging"
	"github.com/christcr2012/StreamFlow-sub010/internal/service/credit"
)

const (
	idempotencyKeyHeader       = "Idempotency-Key"
	legacyIdempotencyKeyHeader = "X-Idempotency-Key"
	replayedHeader             = "X-Idempotent-Replayed"
)

type ledgerService interface {
	GetBalance(ctx context.Context, tenantID, meteringKey string) (int64, error)
	ListBalances(ctx context.Context, tenantID string) (map[string]int64, error)
	AddCredits(ctx context.Context, req credit.MutationRequest) (*credit.MutationResult, error)
	Debit(ctx context.Context, req credit.MutationRequest) (*credit.MutationResult, error)
	GrantTrial(ctx context.Context, tenantID, meteringKey, actorID string, amount int64) (*credit.MutationResult, error)
	GetHistory(ctx context.Context, req credit.HistoryRequest) (domain.EntryPage, error)
	CheckSufficient(ctx context.Context, tenantID, meteringKey string, required int64) error
	Reconcile(ctx context.Context, tenantID, meteringKey string) (domain.Reconciliation, error)
	IdempotencyStats(ctx context.Context, tenantID string) (domain.IdempotencyStats, error)
}

type LedgerHandler struct {
	ledger ledgerService
}

func NewLedgerHandler(ledger ledgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// IdempotencyKeyFromRequest returns the client's idempotency key, preferring
// the standard header over the X- prefixed one.
func IdempotencyKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get(legacyIdempotencyKeyHeader))
}

type mutationRequest struct {
	MeteringKey      string `json:"metering_key"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Reason           string `json:"reason"`
}

func (r mutationRequest) Validate() []FieldError {
	var errs []FieldError

	if r.MeteringKey == "" {
		errs = append(errs, FieldError{Field: "metering_key", Message: "required"})
	}
	if r.AmountMinorUnits <= 0 {
		errs = append(errs, FieldError{Field: "amount_minor_units", Message: "must be greater than 0"})
	}
	if r.Reason != "" && !domain.Reason(r.Reason).Valid() {
		errs = append(errs, FieldError{Field: "reason", Message: "unknown reason"})
	}

	return errs
}

type trialRequest struct {
	MeteringKey      string `json:"metering_key"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
}

type mutationDTO struct {
	EntryID           string    `json:"entry_id"`
	MeteringKey       string    `json:"metering_key"`
	AmountMinorUnits  int64     `json:"amount_minor_units"`
	AmountDisplay     string    `json:"amount_display"`
	Reason            string    `json:"reason"`
	BalanceMinorUnits int64     `json:"balance_minor_units"`
	BalanceDisplay    string    `json:"balance_display"`
	CreatedAt         time.Time `json:"created_at"`
}

func toMutationDTO(res *credit.MutationResult) mutationDTO {
	return mutationDTO{
		EntryID:           res.EntryID,
		MeteringKey:       res.MeteringKey,
		AmountMinorUnits:  res.AmountMinorUnits,
		AmountDisplay:     displayAmount(res.AmountMinorUnits),
		Reason:            string(res.Reason),
		BalanceMinorUnits: res.BalanceMinorUnits,
		BalanceDisplay:    displayAmount(res.BalanceMinorUnits),
		CreatedAt:         res.CreatedAt,
	}
}

type balanceDTO struct {
	MeteringKey       string `json:"metering_key"`
	BalanceMinorUnits int64  `json:"balance_minor_units"`
	BalanceDisplay    string `json:"balance_display"`
}

func toBalanceDTO(meteringKey string, minor int64) balanceDTO {
	return balanceDTO{
		MeteringKey:       meteringKey,
		BalanceMinorUnits: minor,
		BalanceDisplay:    displayAmount(minor),
	}
}

type entryDTO struct {
	ID               string    `json:"id"`
	MeteringKey      string    `json:"metering_key"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	AmountDisplay    string    `json:"amount_display"`
	Reason           string    `json:"reason"`
	ActorID          string    `json:"actor_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type historyDTO struct {
	Entries    []entryDTO `json:"entries"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func toHistoryDTO(page domain.EntryPage) historyDTO {
	dto := historyDTO{
		Entries:    make([]entryDTO, 0, len(page.Entries)),
		NextCursor: page.NextCursor,
	}
	for _, e := range page.Entries {
		dto.Entries = append(dto.Entries, entryDTO{
			ID:               e.ID,
			MeteringKey:      e.MeteringKey,
			AmountMinorUnits: e.AmountMinorUnits,
			AmountDisplay:    displayAmount(e.AmountMinorUnits),
			Reason:           string(e.Reason),
			ActorID:          e.ActorID,
			CreatedAt:        e.CreatedAt,
		})
	}
	return dto
}

type reconciliationDTO struct {
	MeteringKey         string    `json:"metering_key"`
	Materialized        int64     `json:"materialized_minor_units"`
	Folded              int64     `json:"folded_minor_units"`
	MaterializedVersion int64     `json:"materialized_version"`
	EntryCount          int64     `json:"entry_count"`
	Match               bool      `json:"match"`
	CheckedAt           time.Time `json:"checked_at"`
}

func (h *LedgerHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	if key := r.URL.Query().Get("metering_key"); key != "" {
		bal, err := h.ledger.GetBalance(r.Context(), tenantID, key)
		if err != nil {
			RespondDomainError(w, err)
			return
		}
		RespondSuccess(w, http.StatusOK, toBalanceDTO(key, bal))
		return
	}

	balances, err := h.ledger.ListBalances(r.Context(), tenantID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	dtos := make([]balanceDTO, 0, len(balances))
	for _, key := range slices.Sorted(maps.Keys(balances)) {
		dtos = append(dtos, toBalanceDTO(key, balances[key]))
	}
	RespondSuccess(w, http.StatusOK, map[string]any{"balances": dtos})
}

func (h *LedgerHandler) AddCredits(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.ledger.AddCredits)
}

func (h *LedgerHandler) Debit(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.ledger.Debit)
}

func (h *LedgerHandler) mutate(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, req credit.MutationRequest) (*credit.MutationResult, error),
) {
	log := logging.FromContext(r.Context())

	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	res, err := apply(r.Context(), credit.MutationRequest{
		TenantID:         tenantID,
		MeteringKey:      req.MeteringKey,
		AmountMinorUnits: req.AmountMinorUnits,
		Reason:           domain.Reason(req.Reason),
		ActorID:          auth.ActorFromContext(r.Context()),
		IdempotencyKey:   IdempotencyKeyFromRequest(r),
	})
	if err != nil {
		log.Warn("ledger mutation failed", "path", r.URL.Path, "error", err)
		RespondDomainError(w, err)
		return
	}

	respondMutation(w, res)
}

func (h *LedgerHandler) GrantTrial(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req trialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}
	if req.MeteringKey == "" {
		RespondValidationError(w, []FieldError{{Field: "metering_key", Message: "required"}})
		return
	}
	if req.AmountMinorUnits < 0 {
		RespondValidationError(w, []FieldError{{Field: "amount_minor_units", Message: "must not be negative"}})
		return
	}

	res, err := h.ledger.GrantTrial(r.Context(), tenantID, req.MeteringKey, auth.ActorFromContext(r.Context()), req.AmountMinorUnits)
	if err != nil {
		logging.FromContext(r.Context()).Warn("trial grant failed", "metering_key", req.MeteringKey, "error", err)
		RespondDomainError(w, err)
		return
	}

	respondMutation(w, res)
}

func respondMutation(w http.ResponseWriter, res *credit.MutationResult) {
	if res.Replayed {
		w.Header().Set(replayedHeader, "true")
	}
	RespondSuccess(w, http.StatusCreated, toMutationDTO(res))
}

func (h *LedgerHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	q := r.URL.Query()
	req := credit.HistoryRequest{
		TenantID:    tenantID,
		MeteringKey: q.Get("metering_key"),
		Cursor:      q.Get("cursor"),
		Reason:      domain.Reason(q.Get("reason")),
	}

	var fields []FieldError
	if req.MeteringKey == "" {
		fields = append(fields, FieldError{Field: "metering_key", Message: "required"})
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			fields = append(fields, FieldError{Field: "limit", Message: "must be a positive integer"})
		}
		req.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			fields = append(fields, FieldError{Field: "since", Message: "must be an RFC 3339 timestamp"})
		}
		req.Since = &since
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	page, err := h.ledger.GetHistory(r.Context(), req)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toHistoryDTO(page))
}

func (h *LedgerHandler) CheckBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	key := r.URL.Query().Get("metering_key")
	required, err := strconv.ParseInt(r.URL.Query().Get("required"), 10, 64)

	var fields []FieldError
	if key == "" {
		fields = append(fields, FieldError{Field: "metering_key", Message: "required"})
	}
	if err != nil {
		fields = append(fields, FieldError{Field: "required", Message: "must be an integer amount in minor units"})
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	if err := h.ledger.CheckSufficient(r.Context(), tenantID, key, required); err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, map[string]any{
		"metering_key": key,
		"required":     required,
		"sufficient":   true,
	})
}

func (h *LedgerHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	key := r.URL.Query().Get("metering_key")
	if key == "" {
		RespondValidationError(w, []FieldError{{Field: "metering_key", Message: "required"}})
		return
	}

	rec, err := h.ledger.Reconcile(r.Context(), tenantID, key)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, reconciliationDTO{
		MeteringKey:         rec.MeteringKey,
		Materialized:        rec.Materialized,
		Folded:              rec.Folded,
		MaterializedVersion: rec.MaterializedVersion,
		EntryCount:          rec.EntryCount,
		Match:               rec.Match,
		CheckedAt:           rec.CheckedAt,
	})
}

func (h *LedgerHandler) IdempotencyStats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	stats, err := h.ledger.IdempotencyStats(r.Context(), tenantID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, stats)
}

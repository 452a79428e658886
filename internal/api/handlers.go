/**
 * @description
 * This file contains the HTTP handlers for the packet service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the engine.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/ledger: For service logic, models, and error kinds.
 * - github.com/go-chi/chi/v5: URL parameters.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/app"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/reconcile"
)

// Reconciler runs one reconciliation pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Result, error)
}

// PacketHandlers holds the application service that handlers will use.
type PacketHandlers struct {
	service    *app.Service
	reconciler Reconciler
}

// NewPacketHandlers creates a new instance of PacketHandlers.
func NewPacketHandlers(service *app.Service, reconciler Reconciler) *PacketHandlers {
	return &PacketHandlers{service: service, reconciler: reconciler}
}

type createPacketRequest struct {
	Currency     string `json:"currency"`
	Mode         string `json:"mode"`
	TotalAmount  string `json:"total_amount"`
	TotalShares  int    `json:"total_shares"`
	PenaltyDigit *int   `json:"penalty_digit,omitempty"`
	Message      string `json:"message"`
	// ExpiresInMinutes overrides the default time to live when positive.
	ExpiresInMinutes int `json:"expires_in_minutes,omitempty"`
}

type operatorRequest struct {
	OperatorID string `json:"operator_id"`
}

type recordEntryRequest struct {
	AccountID      string `json:"account_id"`
	Currency       string `json:"currency"`
	Amount         string `json:"amount"`
	Category       string `json:"category"`
	ReferenceType  string `json:"reference_type"`
	ReferenceID    string `json:"reference_id"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key"`
}

type rebuildRequest struct {
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
}

// CreatePacketHandler funds and opens a new packet owned by the caller.
func (h *PacketHandlers) CreatePacketHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.callerAccountID(w, r, "create_packet")
	if !ok {
		return
	}

	var req createPacketRequest
	if err := decodeJSON(r, &req); err != nil {
		log.Printf("level=warn component=api endpoint=create_packet outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		h.writeDomainError(w, "create_packet", err)
		return
	}
	total, err := currency.ParseAmount(req.TotalAmount)
	if err != nil {
		h.writeDomainError(w, "create_packet", err)
		return
	}
	createReq := domain.CreatePacketRequest{
		OwnerID:      accountID,
		Currency:     currency,
		Mode:         domain.Mode(strings.ToUpper(strings.TrimSpace(req.Mode))),
		TotalAmount:  total,
		TotalShares:  req.TotalShares,
		PenaltyDigit: req.PenaltyDigit,
		Message:      req.Message,
	}
	if req.ExpiresInMinutes > 0 {
		createReq.ExpiresAt = time.Now().UTC().Add(time.Duration(req.ExpiresInMinutes) * time.Minute)
	}

	p, err := h.service.CreatePacket(r.Context(), createReq)
	if err != nil {
		h.writeDomainError(w, "create_packet", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newPacketView(p))
}

// ClaimPacketHandler admits one claim by the caller.
func (h *PacketHandlers) ClaimPacketHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.callerAccountID(w, r, "claim_packet")
	if !ok {
		return
	}
	packetID, ok := h.packetIDParam(w, r)
	if !ok {
		return
	}

	res, err := h.service.Claim(r.Context(), packetID, accountID)
	if err != nil {
		h.writeDomainError(w, "claim_packet", err)
		return
	}
	log.Printf("level=info component=api endpoint=claim_packet outcome=success packet_id=%s claimant_id=%s amount=%d settled=%t",
		packetID, accountID, res.Amount, res.Settled)
	h.writeJSON(w, http.StatusOK, newClaimResultView(packetID, res))
}

// GetPacketHandler returns a packet and its claims.
func (h *PacketHandlers) GetPacketHandler(w http.ResponseWriter, r *http.Request) {
	packetID, ok := h.packetIDParam(w, r)
	if !ok {
		return
	}
	status, err := h.service.GetPacketStatus(r.Context(), packetID)
	if err != nil {
		h.writeDomainError(w, "get_packet", err)
		return
	}
	h.writeJSON(w, http.StatusOK, newPacketStatusView(status))
}

// GetBalanceHandler returns the caller's balance in one currency.
func (h *PacketHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.callerAccountID(w, r, "get_balance")
	if !ok {
		return
	}
	currency, err := domain.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		h.writeDomainError(w, "get_balance", err)
		return
	}
	balance, err := h.service.GetBalance(r.Context(), accountID, currency)
	if err != nil {
		h.writeDomainError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceView{
		AccountID:    balance.AccountID,
		Currency:     balance.Currency,
		Balance:      currency.FormatAmount(balance.Balance),
		BalanceMinor: balance.Balance,
		UpdatedAt:    balance.UpdatedAt,
	})
}

// GetHistoryHandler lists the caller's ledger entries, newest first.
func (h *PacketHandlers) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.callerAccountID(w, r, "get_history")
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := domain.HistoryFilter{AccountID: accountID}
	if raw := strings.TrimSpace(query.Get("currency")); raw != "" {
		currency, err := domain.ParseCurrency(raw)
		if err != nil {
			h.writeDomainError(w, "get_history", err)
			return
		}
		filter.Currency = &currency
	}
	if raw := strings.TrimSpace(query.Get("category")); raw != "" {
		category := domain.Category(strings.ToUpper(raw))
		if !category.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown category %q", raw))
			return
		}
		filter.Category = &category
	}
	var err error
	if filter.Limit, err = parseOptionalNonNegativeInt(query.Get("limit"), ledger.DefaultHistoryLimit); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = parseOptionalNonNegativeInt(query.Get("offset"), 0); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer")
		return
	}

	entries, err := h.service.GetHistory(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "get_history", err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": views})
}

// ExpireDuePacketsHandler is called by external schedulers in place of the in-process cron.
func (h *PacketHandlers) ExpireDuePacketsHandler(w http.ResponseWriter, r *http.Request) {
	processed, err := h.service.ExpireDuePackets(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=expire_packets outcome=failed processed=%d err=%v", processed, err)
		h.writeDomainError(w, "expire_packets", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

func (h *PacketHandlers) RefundPacketHandler(w http.ResponseWriter, r *http.Request) {
	h.closePacket(w, r, "refund_packet", h.service.RefundPacket)
}

func (h *PacketHandlers) ForceCompleteHandler(w http.ResponseWriter, r *http.Request) {
	h.closePacket(w, r, "force_complete", h.service.ForceComplete)
}

func (h *PacketHandlers) closePacket(w http.ResponseWriter, r *http.Request, endpoint string, op func(context.Context, uuid.UUID, string) (*domain.Packet, error)) {
	packetID, ok := h.packetIDParam(w, r)
	if !ok {
		return
	}
	var req operatorRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	p, err := op(r.Context(), packetID, req.OperatorID)
	if err != nil {
		h.writeDomainError(w, endpoint, err)
		return
	}
	log.Printf("level=info component=api endpoint=%s outcome=success packet_id=%s operator_id=%s status=%s", endpoint, packetID, req.OperatorID, p.Status)
	h.writeJSON(w, http.StatusOK, newPacketView(p))
}

// RecordEntryHandler applies a manual adjustment or collaborator-originated balance change.
func (h *PacketHandlers) RecordEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req recordEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		h.writeDomainError(w, "record_entry", err)
		return
	}
	delta, err := currency.ParseAmount(req.Amount)
	if err != nil {
		h.writeDomainError(w, "record_entry", err)
		return
	}
	category := domain.Category(strings.ToUpper(strings.TrimSpace(req.Category)))
	if category == "" {
		category = domain.CategoryAdminAdjust
	}
	referenceType := strings.TrimSpace(req.ReferenceType)
	if referenceType == "" {
		referenceType = domain.ReferenceManual
	}

	entry, err := h.service.RecordEntry(r.Context(), ledger.EntryRequest{
		AccountID:      strings.TrimSpace(req.AccountID),
		Currency:       currency,
		Delta:          delta,
		Category:       category,
		ReferenceType:  referenceType,
		ReferenceID:    strings.TrimSpace(req.ReferenceID),
		Note:           req.Note,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		h.writeDomainError(w, "record_entry", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, newEntryView(entry))
}

func (h *PacketHandlers) RebuildBalanceHandler(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		h.writeDomainError(w, "rebuild_balance", err)
		return
	}
	if strings.TrimSpace(req.AccountID) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required")
		return
	}
	res, err := h.service.RebuildBalance(r.Context(), strings.TrimSpace(req.AccountID), currency)
	if err != nil {
		h.writeDomainError(w, "rebuild_balance", err)
		return
	}
	if res.Repaired {
		log.Printf("level=warn component=api endpoint=rebuild_balance msg=\"balance drift repaired\" account=%s cached=%d computed=%d", res.Key, res.Cached, res.Computed)
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *PacketHandlers) RunReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		h.writeError(w, http.StatusServiceUnavailable, "reconciliation_disabled", "Reconciliation is not running in this process")
		return
	}
	res, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=run_reconciliation outcome=failed err=%v", err)
		h.writeError(w, http.StatusInternalServerError, domain.CodeInternal, "Reconciliation pass failed")
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *PacketHandlers) callerAccountID(w http.ResponseWriter, r *http.Request, endpoint string) (string, bool) {
	subject, ok := GetSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get user from context")
		return "", false
	}
	accountID, err := h.service.ResolveAccountID(r.Context(), subject)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=identity_resolution_failed subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusForbidden, "unknown_account", "Account not found")
		return "", false
	}
	return accountID, true
}

func (h *PacketHandlers) packetIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	packetID, err := uuid.Parse(chi.URLParam(r, "packetID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid packet ID format")
		return uuid.Nil, false
	}
	return packetID, true
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseOptionalNonNegativeInt(raw string, defaultValue int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return value, nil
}

// statusForCode maps engine error codes to HTTP status codes.
func statusForCode(code string) int {
	switch code {
	case domain.ErrPacketNotFound.Code:
		return http.StatusNotFound
	case domain.ErrAlreadyClaimed.Code, domain.ErrPacketNotActive.Code, domain.ErrNoSharesRemaining.Code:
		return http.StatusConflict
	case domain.ErrPacketExpired.Code:
		return http.StatusGone
	case domain.ErrInsufficientBalance.Code:
		return http.StatusPaymentRequired
	case domain.ErrInvalidPenaltyConfiguration.Code, domain.ErrInvalidAmountOrShareCount.Code:
		return http.StatusUnprocessableEntity
	case domain.ErrInvalidCurrency.Code, domain.ErrInvalidRequest.Code:
		return http.StatusBadRequest
	case domain.ErrClaimNotAttempted.Code:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *PacketHandlers) writeDomainError(w http.ResponseWriter, endpoint string, err error) {
	if errors.Is(err, ledger.ErrIdempotencyConflict) {
		h.writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
		return
	}
	code := domain.ErrorCode(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		h.writeError(w, status, code, "Internal server error")
		return
	}
	log.Printf("level=info component=api endpoint=%s outcome=reject code=%s", endpoint, code)
	h.writeError(w, status, code, err.Error())
}

// writeJSON is a helper for writing JSON responses.
func (h *PacketHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *PacketHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorBody(w, status, code, message)
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "error": message})
}

/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Mutations:
    POST /api/clients/{clientID}/payments   Record and distribute a payment
    POST /api/clients/{clientID}/reversals  Undo a transaction
    POST /api/clients/{clientID}/bills      Generate bills from meter readings

  Reads:
    GET  /api/clients/{clientID}/years/{year}/view                 Aggregated view
    POST /api/clients/{clientID}/years/{year}/view/rebuild         Force full rebuild
    GET  /api/clients/{clientID}/years/{year}/units/{unitID}/bills Unit bills
    GET  /api/clients/{clientID}/units/{unitID}/credit             Credit balance

  Operational:
    GET  /metrics  Prometheus metrics

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (service, builder)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient credit
  - 404: Bill or transaction not found
  - 409: Conflict (duplicate transactionRef, concurrent modification,
         regenerating a paid bill)
  - 500: Internal errors, inconsistent state

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/service.go: Mutation semantics
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hoaworks/waterbill/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *billing.Service
	Builder *billing.Builder
	Store   billing.TxStore
	Metrics *Metrics
}

// NewHandler creates a new handler.
func NewHandler(service *billing.Service, builder *billing.Builder, store billing.TxStore, metrics *Metrics) *Handler {
	return &Handler{Service: service, Builder: builder, Store: store, Metrics: metrics}
}

// =============================================================================
// MUTATION HANDLERS
// =============================================================================

// RecordPayment records and distributes a payment.
// POST /api/clients/{clientID}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "clientID"))

	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := parsePesoAmount(req.Amount)
	if err != nil {
		h.Metrics.Payments.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string like \"1500.00\")", err)
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		h.Metrics.Payments.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	result, err := h.Service.RecordPayment(r.Context(), billing.PaymentRequest{
		ClientID:       clientID,
		UnitID:         billing.UnitID(req.UnitID),
		Amount:         amount,
		Date:           date,
		TransactionRef: req.TransactionRef,
	})
	if err != nil {
		h.Metrics.Payments.WithLabelValues(outcomeLabel(err)).Inc()
		writeDomainError(w, "Payment failed", err)
		return
	}

	h.Metrics.Payments.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusCreated, toPaymentResultDTO(result))
}

// Reverse undoes a previously recorded transaction.
// POST /api/clients/{clientID}/reversals
func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "clientID"))

	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Service.Reverse(r.Context(), clientID, req.TransactionRef)
	if err != nil {
		h.Metrics.Reversals.WithLabelValues(outcomeLabel(err)).Inc()
		writeDomainError(w, "Reversal failed", err)
		return
	}

	h.Metrics.Reversals.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, toReversalResultDTO(result))
}

// GenerateBills creates one period's bills from meter readings.
// POST /api/clients/{clientID}/bills
func (h *Handler) GenerateBills(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "clientID"))

	var req GenerateBillsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	readings := make([]billing.MeterReading, 0, len(req.Readings))
	for _, rd := range req.Readings {
		readings = append(readings, billing.MeterReading{
			UnitID:     billing.UnitID(rd.UnitID),
			MeterStart: rd.MeterStart,
			MeterEnd:   rd.MeterEnd,
		})
	}

	period := billing.PeriodID{FiscalYear: req.FiscalYear, Index: req.PeriodIndex}
	bills, err := h.Service.GenerateBills(r.Context(), clientID, period, readings)
	if err != nil {
		writeDomainError(w, "Bill generation failed", err)
		return
	}

	h.Metrics.BillsGenerated.Add(float64(len(bills)))

	dtos := make([]BillDTO, 0, len(bills))
	for _, b := range bills {
		dtos = append(dtos, toBillDTO(b))
	}
	writeJSON(w, http.StatusCreated, dtos)
}

// =============================================================================
// READ HANDLERS
// =============================================================================

// GetView returns the aggregated per-unit, per-period view for a fiscal year.
// GET /api/clients/{clientID}/years/{year}/view
func (h *Handler) GetView(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "clientID"))
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fiscal year", err)
		return
	}

	view, err := h.Builder.Build(r.Context(), clientID, year)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RebuildView discards the cached view and rebuilds it from bills.
// POST /api/clients/{clientID}/years/{year}/view/rebuild
func (h *Handler) RebuildView(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "clientID"))
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fiscal year", err)
		return
	}

	view, err := h.Builder.Rebuild(r.Context(), clientID, year)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to rebuild view", err)
		return
	}

	h.Metrics.ViewRebuilds.Inc()
	writeJSON(w, http.StatusOK, view)
}

// ListUnitBills returns one unit's bills for a fiscal year.
// GET /api/clients/{clientID}/years/{year}/units/{unitID}/bills
func (h *Handler) ListUnitBills(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "clientID"))
	unitID := billing.UnitID(chi.URLParam(r, "unitID"))
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fiscal year", err)
		return
	}

	bills, err := h.Store.ListUnitBills(r.Context(), clientID, year, unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list bills", err)
		return
	}

	dtos := make([]BillDTO, 0, len(bills))
	for _, b := range bills {
		dtos = append(dtos, toBillDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCredit returns a unit's credit balance and history.
// GET /api/clients/{clientID}/units/{unitID}/credit
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	clientID := billing.ClientID(chi.URLParam(r, "clientID"))
	unitID := billing.UnitID(chi.URLParam(r, "unitID"))

	credit, err := h.Store.GetCredit(r.Context(), clientID, unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get credit", err)
		return
	}
	if credit == nil {
		// No overpayment has ever happened; report an empty balance rather
		// than 404 so clients need no special case.
		credit = &billing.CreditBalance{ClientID: clientID, UnitID: unitID}
	}
	writeJSON(w, http.StatusOK, toCreditBalanceDTO(credit))
}

// =============================================================================
// ERROR MAPPING AND HELPERS
// =============================================================================

// writeDomainError maps billing errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var valErr *billing.ValidationError
	switch {
	case errors.As(err, &valErr):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, billing.ErrInsufficientCredit):
		writeError(w, http.StatusPaymentRequired, message, err)
	case errors.Is(err, billing.ErrBillNotFound), errors.Is(err, billing.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, billing.ErrDuplicateTransactionRef),
		errors.Is(err, billing.ErrConcurrentModification),
		errors.Is(err, billing.ErrBillHasPayments):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func outcomeLabel(err error) string {
	if billing.IsClientError(err) {
		return "rejected"
	}
	return "error"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

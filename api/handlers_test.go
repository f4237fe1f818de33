/*
handlers_test.go - HTTP-level tests for the billing API

Exercises the full request path: router, middleware, handlers, service,
in-memory store. Amount fields travel as decimal strings in, resolved
centavos + pesos pairs out.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoaworks/waterbill/billing"
	"github.com/hoaworks/waterbill/billing/store"
)

func apiNow() time.Time {
	return time.Date(2026, time.February, 5, 9, 0, 0, 0, time.UTC)
}

func newTestAPI(t *testing.T) (http.Handler, *store.TxMemory) {
	t.Helper()

	mem := store.NewTxMemory()
	cfg := billing.Config{
		FiscalYearStart: time.January,
		DueDay:          10,
		Penalty: billing.PenaltyConfig{
			GracePeriodDays: 10,
			Rate:            decimal.RequireFromString("0.05"),
		},
		RatePerM3:     2850,
		MinimumCharge: 15000,
	}
	builder := billing.NewBuilder(mem, cfg)
	builder.Now = apiNow
	svc := billing.NewService(mem, builder, cfg)
	svc.Now = apiNow
	svc.Surgical.Now = apiNow

	h := NewHandler(svc, builder, mem, NewMetrics())
	return NewRouter(h), mem
}

func seedAPIBill(t *testing.T, s billing.Store, index int, base billing.Money) {
	t.Helper()
	bill := &billing.Bill{
		ClientID:   "hoa-1",
		UnitID:     "unit-a",
		Period:     billing.PeriodID{FiscalYear: 2026, Index: index},
		DueDate:    time.Date(2026, time.Month(index+2), 10, 0, 0, 0, 0, time.UTC),
		BaseCharge: base,
	}
	bill.Recompute()
	require.NoError(t, s.PutBill(context.Background(), bill))
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestAPI_RecordPayment(t *testing.T) {
	// GIVEN: An unpaid 100.00 bill
	// WHEN: POSTing a 100.00 payment
	// THEN: 201 with one fully resolved allocation

	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 10000)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", RecordPaymentRequest{
		UnitID:         "unit-a",
		Amount:         "100.00",
		Date:           "2026-02-05",
		TransactionRef: "tx-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var result PaymentResultDTO
	decodeInto(t, rec, &result)
	assert.Equal(t, "tx-1", result.TransactionRef)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, int64(10000), result.Allocations[0].Amount.Centavos)
	assert.Equal(t, 100.0, result.Allocations[0].Amount.Pesos)
	assert.Equal(t, "paid", result.Allocations[0].StatusAfter)
	assert.Equal(t, int64(0), result.NewCreditBalance.Centavos)
}

func TestAPI_RecordPaymentOverpaymentReportsCredit(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 5000)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", RecordPaymentRequest{
		UnitID:         "unit-a",
		Amount:         "70.00",
		Date:           "2026-02-05",
		TransactionRef: "tx-over",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var result PaymentResultDTO
	decodeInto(t, rec, &result)
	assert.Equal(t, int64(2000), result.CreditCreated.Centavos)
	assert.Equal(t, 20.0, result.NewCreditBalance.Pesos)
}

func TestAPI_RecordPaymentRejectsBadAmount(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 10000)

	for _, amount := range []string{"abc", "100.005", "-5.00", ""} {
		rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", RecordPaymentRequest{
			UnitID:         "unit-a",
			Amount:         amount,
			Date:           "2026-02-05",
			TransactionRef: "tx-bad",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %q", amount)

		var resp ErrorResponse
		decodeInto(t, rec, &resp)
		assert.NotEmpty(t, resp.Error)
	}
}

func TestAPI_RecordPaymentDuplicateRefConflicts(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 10000)

	req := RecordPaymentRequest{
		UnitID:         "unit-a",
		Amount:         "40.00",
		Date:           "2026-02-05",
		TransactionRef: "tx-dup",
	}
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", req).Code)
	assert.Equal(t, http.StatusConflict, doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", req).Code)
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestAPI_Reverse(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 5000)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", RecordPaymentRequest{
		UnitID: "unit-a", Amount: "70.00", Date: "2026-02-05", TransactionRef: "tx-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/reversals", ReverseRequest{TransactionRef: "tx-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result ReversalResultDTO
	decodeInto(t, rec, &result)
	assert.Equal(t, "unit-a", result.UnitID)
	require.Len(t, result.RemovedPayments, 1)
	assert.Equal(t, int64(5000), result.RemovedPayments[0].Amount.Centavos)
	assert.Equal(t, int64(0), result.NewCreditBalance.Centavos)
}

func TestAPI_ReverseUnknownRefIs404(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/reversals", ReverseRequest{TransactionRef: "tx-nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// BILL GENERATION
// =============================================================================

func TestAPI_GenerateBills(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/bills", GenerateBillsRequest{
		FiscalYear:  2026,
		PeriodIndex: 0,
		Readings: []MeterReadingDTO{
			{UnitID: "unit-a", MeterStart: 100, MeterEnd: 110},
			{UnitID: "unit-b", MeterStart: 200, MeterEnd: 202},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var bills []BillDTO
	decodeInto(t, rec, &bills)
	require.Len(t, bills, 2)
	assert.Equal(t, int64(28500), bills[0].BaseCharge.Centavos)
	// Under the consumption floor: minimum charge applies.
	assert.Equal(t, int64(15000), bills[1].BaseCharge.Centavos)
	assert.Equal(t, "unpaid", bills[1].Status)
}

func TestAPI_GenerateBillsBadReadingIs400(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/bills", GenerateBillsRequest{
		FiscalYear:  2026,
		PeriodIndex: 0,
		Readings:    []MeterReadingDTO{{UnitID: "unit-a", MeterStart: 110, MeterEnd: 100}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RegeneratePaidPeriodConflicts(t *testing.T) {
	router, _ := newTestAPI(t)

	gen := GenerateBillsRequest{
		FiscalYear:  2026,
		PeriodIndex: 0,
		Readings:    []MeterReadingDTO{{UnitID: "unit-a", MeterStart: 100, MeterEnd: 110}},
	}
	require.Equal(t, http.StatusCreated, doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/bills", gen).Code)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", RecordPaymentRequest{
		UnitID: "unit-a", Amount: "50.00", Date: "2026-02-05", TransactionRef: "tx-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, http.StatusConflict, doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/bills", gen).Code)
}

// =============================================================================
// READS
// =============================================================================

func TestAPI_GetView(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 10000)

	rec := doJSON(t, router, http.MethodGet, "/api/clients/hoa-1/years/2026/view", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view billing.AggregatedView
	decodeInto(t, rec, &view)
	require.Contains(t, view.Units, billing.UnitID("unit-a"))
	assert.Equal(t, billing.Money(10000), view.Units["unit-a"].TotalDue)
}

func TestAPI_RebuildView(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 10000)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/years/2026/view/rebuild", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_ListUnitBills(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 10000)
	seedAPIBill(t, mem, 1, 5000)

	rec := doJSON(t, router, http.MethodGet, "/api/clients/hoa-1/years/2026/units/unit-a/bills", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var bills []BillDTO
	decodeInto(t, rec, &bills)
	require.Len(t, bills, 2)
	assert.Equal(t, int64(10000), bills[0].BaseCharge.Centavos)
	assert.Equal(t, int64(10000), bills[0].Outstanding.Centavos)
}

func TestAPI_GetCreditForUnknownUnitIsEmpty(t *testing.T) {
	// A unit that never overpaid reports 0.00, not 404.
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/api/clients/hoa-1/units/unit-x/credit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var credit CreditBalanceDTO
	decodeInto(t, rec, &credit)
	assert.Equal(t, "unit-x", credit.UnitID)
	assert.Equal(t, int64(0), credit.Balance.Centavos)
	assert.Empty(t, credit.History)
}

// =============================================================================
// OPERATIONAL
// =============================================================================

func TestAPI_Healthz(t *testing.T) {
	router, _ := newTestAPI(t)

	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAPI_MetricsExposePaymentOutcomes(t *testing.T) {
	router, mem := newTestAPI(t)
	seedAPIBill(t, mem, 0, 10000)

	rec := doJSON(t, router, http.MethodPost, "/api/clients/hoa-1/payments", RecordPaymentRequest{
		UnitID: "unit-a", Amount: "100.00", Date: "2026-02-05", TransactionRef: "tx-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `waterbill_payments_total{outcome="ok"} 1`), "metrics body:\n%s", body)
	assert.True(t, strings.Contains(body, "waterbill_http_request_duration_seconds"), "metrics body:\n%s", body)
}

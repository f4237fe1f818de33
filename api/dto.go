/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

MONEY AT THE BOUNDARY:
  Internally every amount is int64 centavos. This file is the ONLY place
  where amounts cross into major units (pesos): request amounts arrive as
  decimal strings ("1500.00") and are parsed exactly; response amounts go
  out as float pesos for display plus the exact centavo value.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
  - billing/money.go: Money type and conversions
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hoaworks/waterbill/billing"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RecordPaymentRequest is the request to record a payment against a unit.
// Amount is a decimal string in pesos ("1500.00"); floats are not accepted
// because they cannot carry centavos exactly.
type RecordPaymentRequest struct {
	UnitID         string `json:"unit_id"`
	Amount         string `json:"amount"`
	Date           string `json:"date"` // YYYY-MM-DD
	TransactionRef string `json:"transaction_ref"`
}

// ReverseRequest undoes a previously recorded transaction.
type ReverseRequest struct {
	TransactionRef string `json:"transaction_ref"`
}

// GenerateBillsRequest creates bills for one period from meter readings.
type GenerateBillsRequest struct {
	FiscalYear  int               `json:"fiscal_year"`
	PeriodIndex int               `json:"period_index"`
	Readings    []MeterReadingDTO `json:"readings"`
}

// MeterReadingDTO is one unit's meter capture.
type MeterReadingDTO struct {
	UnitID     string `json:"unit_id"`
	MeterStart int    `json:"meter_start"`
	MeterEnd   int    `json:"meter_end"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AmountDTO carries one monetary value both ways: exact centavos for
// clients that do math, display pesos for clients that render.
type AmountDTO struct {
	Centavos int64   `json:"centavos"`
	Pesos    float64 `json:"pesos"`
}

func amountDTO(m billing.Money) AmountDTO {
	return AmountDTO{Centavos: int64(m), Pesos: m.DisplayPesos()}
}

// AllocationDTO is one bill's share of a distributed payment.
type AllocationDTO struct {
	UnitID       string    `json:"unit_id"`
	Period       string    `json:"period"`
	Amount       AmountDTO `json:"amount"`
	CashAmount   AmountDTO `json:"cash_amount"`
	CreditAmount AmountDTO `json:"credit_amount"`
	StatusAfter  string    `json:"status_after,omitempty"`
}

// PaymentResultDTO is the response to a recorded payment.
type PaymentResultDTO struct {
	TransactionRef   string          `json:"transaction_ref"`
	Allocations      []AllocationDTO `json:"allocations"`
	BillStatuses     []BillStatusDTO `json:"bill_statuses"`
	CreditConsumed   AmountDTO       `json:"credit_consumed"`
	CreditCreated    AmountDTO       `json:"credit_created"`
	NewCreditBalance AmountDTO       `json:"new_credit_balance"`
}

// BillStatusDTO reports one bill's status after a mutation.
type BillStatusDTO struct {
	Period string `json:"period"`
	Status string `json:"status"`
}

// ReversalResultDTO is the response to a reversal.
type ReversalResultDTO struct {
	TransactionRef   string          `json:"transaction_ref"`
	UnitID           string          `json:"unit_id"`
	RemovedPayments  []AllocationDTO `json:"removed_payments"`
	BillStatuses     []BillStatusDTO `json:"bill_statuses"`
	NewCreditBalance AmountDTO       `json:"new_credit_balance"`
}

// BillDTO represents a bill in API responses.
type BillDTO struct {
	UnitID          string    `json:"unit_id"`
	Period          string    `json:"period"`
	DueDate         string    `json:"due_date"`
	BaseCharge      AmountDTO `json:"base_charge"`
	PenaltyAmount   AmountDTO `json:"penalty_amount"`
	PreviousBalance AmountDTO `json:"previous_balance"`
	PaidAmount      AmountDTO `json:"paid_amount"`
	Outstanding     AmountDTO `json:"outstanding"`
	Status          string    `json:"status"`
	ConsumptionM3   int       `json:"consumption_m3"`
	MeterStart      int       `json:"meter_start"`
	MeterEnd        int       `json:"meter_end"`
}

// CreditBalanceDTO represents a unit's credit balance with history.
type CreditBalanceDTO struct {
	UnitID  string           `json:"unit_id"`
	Balance AmountDTO        `json:"balance"`
	History []CreditEntryDTO `json:"history"`
}

// CreditEntryDTO is one credit history entry.
type CreditEntryDTO struct {
	Amount         AmountDTO `json:"amount"`
	Reason         string    `json:"reason"`
	TransactionRef string    `json:"transaction_ref"`
	Timestamp      string    `json:"timestamp"`
}

// ErrorResponse is the JSON error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAllocationDTO(a billing.Allocation) AllocationDTO {
	return AllocationDTO{
		UnitID:       string(a.UnitID),
		Period:       a.Period.String(),
		Amount:       amountDTO(a.Amount),
		CashAmount:   amountDTO(a.CashAmount),
		CreditAmount: amountDTO(a.CreditAmount),
		StatusAfter:  string(a.StatusAfter),
	}
}

func toPaymentResultDTO(r *billing.PaymentResult) PaymentResultDTO {
	dto := PaymentResultDTO{
		TransactionRef:   r.TransactionRef,
		Allocations:      make([]AllocationDTO, 0, len(r.Allocations)),
		BillStatuses:     make([]BillStatusDTO, 0, len(r.NewBillStatuses)),
		CreditConsumed:   amountDTO(r.CreditConsumed),
		CreditCreated:    amountDTO(r.CreditCreated),
		NewCreditBalance: amountDTO(r.NewCreditBalance),
	}
	for _, a := range r.Allocations {
		dto.Allocations = append(dto.Allocations, toAllocationDTO(a))
	}
	for _, s := range r.NewBillStatuses {
		dto.BillStatuses = append(dto.BillStatuses, BillStatusDTO{Period: s.Period.String(), Status: string(s.Status)})
	}
	return dto
}

func toReversalResultDTO(r *billing.ReversalResult) ReversalResultDTO {
	dto := ReversalResultDTO{
		TransactionRef:   r.TransactionRef,
		UnitID:           string(r.UnitID),
		RemovedPayments:  make([]AllocationDTO, 0, len(r.RemovedPayments)),
		BillStatuses:     make([]BillStatusDTO, 0, len(r.NewBillStatuses)),
		NewCreditBalance: amountDTO(r.NewCreditBalance),
	}
	for _, a := range r.RemovedPayments {
		dto.RemovedPayments = append(dto.RemovedPayments, toAllocationDTO(a))
	}
	for _, s := range r.NewBillStatuses {
		dto.BillStatuses = append(dto.BillStatuses, BillStatusDTO{Period: s.Period.String(), Status: string(s.Status)})
	}
	return dto
}

func toBillDTO(b *billing.Bill) BillDTO {
	return BillDTO{
		UnitID:          string(b.UnitID),
		Period:          b.Period.String(),
		DueDate:         b.DueDate.Format("2006-01-02"),
		BaseCharge:      amountDTO(b.BaseCharge),
		PenaltyAmount:   amountDTO(b.PenaltyAmount),
		PreviousBalance: amountDTO(b.PreviousBalance),
		PaidAmount:      amountDTO(b.PaidAmount),
		Outstanding:     amountDTO(b.Outstanding()),
		Status:          string(b.Status),
		ConsumptionM3:   b.ConsumptionM3,
		MeterStart:      b.MeterStart,
		MeterEnd:        b.MeterEnd,
	}
}

func toCreditBalanceDTO(c *billing.CreditBalance) CreditBalanceDTO {
	dto := CreditBalanceDTO{
		UnitID:  string(c.UnitID),
		Balance: amountDTO(c.Balance),
		History: make([]CreditEntryDTO, 0, len(c.History)),
	}
	for _, e := range c.History {
		dto.History = append(dto.History, CreditEntryDTO{
			Amount:         amountDTO(e.Amount),
			Reason:         string(e.Reason),
			TransactionRef: e.TransactionRef,
			Timestamp:      e.Timestamp.Format(time.RFC3339),
		})
	}
	return dto
}

// parsePesoAmount parses a decimal peso string into centavos.
func parsePesoAmount(s string) (billing.Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return billing.FromPesos(d)
}

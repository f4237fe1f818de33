/*
service.go - Billing service: the mutation entry points

PURPOSE:
  Orchestrates the engine's three mutations - record a payment, reverse a
  transaction, generate a period's bills - with the atomicity, ordering,
  and retry guarantees the rest of the system relies on.

ATOMICITY:
  Within one mutation, the bill writes and the credit adjustment happen in
  a single store transaction: both land or neither does. A partial write
  (bill updated, credit not) is a correctness violation, so it cannot be
  produced here - the transaction rolls back instead.

SERIALIZATION:
  Mutations on the SAME unit are serialized by a per-unit lock; mutations
  on different units run in parallel with no shared mutable state. The
  store's optimistic version check is the second line of defense: if two
  processes race past the in-process lock (multi-instance deploys), the
  loser gets ErrConcurrentModification and the whole mutation retries.

RETRIES:
  - ErrConcurrentModification / ErrStoreUnavailable: the whole mutation is
    retried, bounded, with backoff.
  - Retry after an unconfirmed result is safe because every payment
    carries a transactionRef: a ref that was already recorded fails with
    ErrDuplicateTransactionRef instead of double-allocating.

SEE ALSO:
  - distribute.go: the pure allocation calculation
  - surgical.go:   the post-mutation cache refresh
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	maxMutationRetries = 3
	retryBaseDelay     = 25 * time.Millisecond
)

// Service is the mutation entry point for one client universe.
type Service struct {
	Store    TxStore
	Builder  *Builder
	Surgical *SurgicalUpdater
	Config   Config
	Now      func() time.Time

	locks unitLocks
}

func NewService(store TxStore, builder *Builder, cfg Config) *Service {
	return &Service{
		Store:    store,
		Builder:  builder,
		Surgical: NewSurgicalUpdater(store, builder, cfg),
		Config:   cfg,
		Now:      time.Now,
	}
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

// PaymentRequest is a cash payment against a unit's outstanding bills.
// Amount is in centavos; the API boundary converts from pesos.
type PaymentRequest struct {
	ClientID       ClientID
	UnitID         UnitID
	Amount         Money
	Date           time.Time
	TransactionRef string
}

// BillStatusChange reports a bill's status after a mutation.
type BillStatusChange struct {
	Period PeriodID   `json:"period"`
	Status BillStatus `json:"status"`
}

// PaymentResult is the outcome of a recorded payment.
type PaymentResult struct {
	TransactionRef   string             `json:"transaction_ref"`
	Allocations      []Allocation       `json:"allocations"`
	NewBillStatuses  []BillStatusChange `json:"new_bill_statuses"`
	CreditConsumed   Money              `json:"credit_consumed"`
	CreditCreated    Money              `json:"credit_created"`
	NewCreditBalance Money              `json:"new_credit_balance"`
}

// RecordPayment validates, distributes, and atomically applies a payment.
// Overpayment and underpayment are normal outcomes, not errors.
func (s *Service) RecordPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	if err := validatePayment(req); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(req.ClientID, req.UnitID)
	defer unlock()

	var result *PaymentResult
	err := s.withRetry(ctx, func() error {
		result = nil
		return s.Store.WithTx(ctx, func(store Store) error {
			r, err := s.recordPaymentTx(ctx, store, req)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Causally after the committed mutation: refresh the affected slices.
	// Allocations can span fiscal years when prior-year debt was still open.
	fallback := PeriodFor(req.Date, s.Config.FiscalYearStart).FiscalYear
	for _, fy := range affectedYears(result.Allocations, fallback) {
		if err := s.Surgical.OnMutation(ctx, req.ClientID, fy, req.UnitID); err != nil {
			// The mutation is committed; a failed refresh leaves a stale
			// cache, which the contract allows. Log and move on.
			log.Printf("payment %s: surgical update failed: %v", req.TransactionRef, err)
		}
	}
	return result, nil
}

// affectedYears lists the fiscal years the allocations touched, ascending,
// always including the fallback year.
func affectedYears(allocations []Allocation, fallback int) []int {
	seen := map[int]bool{fallback: true}
	for _, a := range allocations {
		seen[a.Period.FiscalYear] = true
	}
	years := make([]int, 0, len(seen))
	for fy := range seen {
		years = append(years, fy)
	}
	sort.Ints(years)
	return years
}

func (s *Service) recordPaymentTx(ctx context.Context, store Store, req PaymentRequest) (*PaymentResult, error) {
	// Idempotency: a transactionRef is recorded at most once.
	if prior, err := store.FindBillsByTransactionRef(ctx, req.ClientID, req.TransactionRef); err != nil {
		return nil, err
	} else if len(prior) > 0 {
		return nil, fmt.Errorf("transactionRef %q: %w", req.TransactionRef, ErrDuplicateTransactionRef)
	}
	credits := NewCreditManager(store)
	credits.Now = s.now
	if prior, err := credits.EntriesByRef(ctx, req.ClientID, req.UnitID, req.TransactionRef); err != nil {
		return nil, err
	} else if len(prior) > 0 {
		return nil, fmt.Errorf("transactionRef %q: %w", req.TransactionRef, ErrDuplicateTransactionRef)
	}

	// Distribution works on CURRENT state, across fiscal years: refresh
	// the unit's full carryover chain and penalties as of the payment date
	// before allocating, so a prior year's unpaid bill stays oldest.
	bills, err := RecomputeUnitHistory(ctx, store, req.ClientID, req.UnitID, req.Date, s.Config.Penalty)
	if err != nil {
		return nil, err
	}

	availableCredit, err := credits.Balance(ctx, req.ClientID, req.UnitID)
	if err != nil {
		return nil, err
	}

	dist, err := Distribute(req.Amount, availableCredit, bills)
	if err != nil {
		return nil, err
	}

	// Apply allocations: append payment records and re-derive each bill.
	byPeriod := make(map[PeriodID]*Bill, len(bills))
	for _, b := range bills {
		byPeriod[b.Period] = b
	}
	touched := make(map[PeriodID]bool, len(dist.Allocations))
	for _, alloc := range dist.Allocations {
		bill := byPeriod[alloc.Period]
		if bill == nil {
			return nil, fmt.Errorf("allocation for unknown bill %s/%s: %w", req.UnitID, alloc.Period, ErrBillNotFound)
		}
		bill.Payments = append(bill.Payments, PaymentRecord{
			Amount:         alloc.Amount,
			CashAmount:     alloc.CashAmount,
			CreditAmount:   alloc.CreditAmount,
			TransactionRef: req.TransactionRef,
			Date:           req.Date,
		})
		bill.Recompute()
		touched[alloc.Period] = true
	}

	// The allocations changed outstanding amounts, which changes the
	// carryover into every later period; re-derive before persisting so
	// stored statuses match the allocations' StatusAfter.
	for _, bill := range RecomputeUnitChain(bills, req.Date, s.Config.Penalty) {
		touched[bill.Period] = true
	}
	statuses := make([]BillStatusChange, 0, len(dist.Allocations))
	for _, bill := range bills {
		if !touched[bill.Period] {
			continue
		}
		if err := bill.CheckInvariants(); err != nil {
			return nil, err
		}
		if err := store.PutBill(ctx, bill); err != nil {
			return nil, err
		}
		statuses = append(statuses, BillStatusChange{Period: bill.Period, Status: bill.Status})
	}

	// Credit movements, atomic with the bill writes above.
	newBalance := availableCredit
	if dist.CreditConsumed.IsPositive() {
		newBalance, err = credits.Adjust(ctx, req.ClientID, req.UnitID, dist.CreditConsumed.Neg(), CreditUsed, req.TransactionRef)
		if err != nil {
			return nil, err
		}
	}
	if dist.CreditCreated.IsPositive() {
		newBalance, err = credits.Adjust(ctx, req.ClientID, req.UnitID, dist.CreditCreated, CreditApplied, req.TransactionRef)
		if err != nil {
			return nil, err
		}
	}
	if newBalance != dist.RemainingCredit {
		return nil, &InconsistentStateError{
			Entity: fmt.Sprintf("payment %s", req.TransactionRef),
			Detail: fmt.Sprintf("credit balance %s != distribution remaining %s", newBalance, dist.RemainingCredit),
		}
	}

	return &PaymentResult{
		TransactionRef:   req.TransactionRef,
		Allocations:      dist.Allocations,
		NewBillStatuses:  statuses,
		CreditConsumed:   dist.CreditConsumed,
		CreditCreated:    dist.CreditCreated,
		NewCreditBalance: newBalance,
	}, nil
}

func validatePayment(req PaymentRequest) error {
	if req.ClientID == "" {
		return &ValidationError{Field: "clientId", Message: "required"}
	}
	if req.UnitID == "" {
		return &ValidationError{Field: "unitId", Message: "required"}
	}
	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if req.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "required"}
	}
	if req.TransactionRef == "" {
		return &ValidationError{Field: "transactionRef", Message: "required"}
	}
	return nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// ReversalResult is the outcome of undoing one transaction.
type ReversalResult struct {
	TransactionRef   string             `json:"transaction_ref"`
	UnitID           UnitID             `json:"unit_id"`
	RemovedPayments  []Allocation       `json:"removed_payments"`
	NewBillStatuses  []BillStatusChange `json:"new_bill_statuses"`
	NewCreditBalance Money              `json:"new_credit_balance"`
}

// Reverse undoes every bill allocation and credit adjustment recorded
// under a transactionRef, atomically, then refreshes the affected unit.
// The original history entries stay; reversal appends opposite entries.
//
// Reversing an overpayment whose created credit was since spent fails with
// InsufficientCreditError and changes nothing - the money is genuinely
// gone from the credit balance and only a manual adjustment can decide
// where it should come from.
func (s *Service) Reverse(ctx context.Context, clientID ClientID, transactionRef string) (*ReversalResult, error) {
	if clientID == "" {
		return nil, &ValidationError{Field: "clientId", Message: "required"}
	}
	if transactionRef == "" {
		return nil, &ValidationError{Field: "transactionRef", Message: "required"}
	}

	// Locate the unit before taking its lock. A transactionRef belongs to
	// exactly one unit (payments are per-unit), so one lock suffices.
	unitID, err := s.findTransactionUnit(ctx, clientID, transactionRef)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(clientID, unitID)
	defer unlock()

	var result *ReversalResult
	err = s.withRetry(ctx, func() error {
		result = nil
		return s.Store.WithTx(ctx, func(store Store) error {
			r, err := s.reverseTx(ctx, store, clientID, unitID, transactionRef)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(result.RemovedPayments) > 0 {
		for _, fy := range affectedYears(result.RemovedPayments, result.RemovedPayments[0].Period.FiscalYear) {
			if err := s.Surgical.OnMutation(ctx, clientID, fy, unitID); err != nil {
				log.Printf("reversal %s: surgical update failed: %v", transactionRef, err)
			}
		}
	}
	return result, nil
}

func (s *Service) reverseTx(ctx context.Context, store Store, clientID ClientID, unitID UnitID, transactionRef string) (*ReversalResult, error) {
	reversalRef := transactionRef + ":reversal"

	credits := NewCreditManager(store)
	credits.Now = s.now

	// Double-reversal guard: the reversal's own ref must be unused.
	if prior, err := credits.EntriesByRef(ctx, clientID, unitID, reversalRef); err != nil {
		return nil, err
	} else if len(prior) > 0 {
		return nil, fmt.Errorf("transactionRef %q already reversed: %w", transactionRef, ErrDuplicateTransactionRef)
	}

	bills, err := store.FindBillsByTransactionRef(ctx, clientID, transactionRef)
	if err != nil {
		return nil, err
	}
	creditEntries, err := credits.EntriesByRef(ctx, clientID, unitID, transactionRef)
	if err != nil {
		return nil, err
	}
	if len(bills) == 0 && len(creditEntries) == 0 {
		return nil, fmt.Errorf("transactionRef %q: %w", transactionRef, ErrTransactionNotFound)
	}

	result := &ReversalResult{TransactionRef: transactionRef, UnitID: unitID}

	// Remove the tagged payment records. This is the single sanctioned
	// mutation of a bill's payment list outside of distribution.
	touched := make(map[PeriodID]bool, len(bills))
	for _, bill := range bills {
		kept := bill.Payments[:0]
		for _, p := range bill.Payments {
			if p.TransactionRef != transactionRef {
				kept = append(kept, p)
				continue
			}
			result.RemovedPayments = append(result.RemovedPayments, Allocation{
				UnitID:       bill.UnitID,
				Period:       bill.Period,
				Amount:       p.Amount,
				CashAmount:   p.CashAmount,
				CreditAmount: p.CreditAmount,
			})
		}
		bill.Payments = kept
		bill.Recompute()
		if err := bill.CheckInvariants(); err != nil {
			return nil, err
		}
		if err := store.PutBill(ctx, bill); err != nil {
			return nil, err
		}
		touched[bill.Period] = true
	}
	sort.Slice(result.RemovedPayments, func(i, j int) bool {
		return result.RemovedPayments[i].Period.Before(result.RemovedPayments[j].Period)
	})

	// The removed payments changed outstanding amounts, which changes the
	// carryover into every later period including across fiscal years;
	// re-derive so stored carryover and statuses are current.
	if len(touched) > 0 {
		all, err := RecomputeUnitHistory(ctx, store, clientID, unitID, s.now(), s.Config.Penalty)
		if err != nil {
			return nil, err
		}
		for _, bill := range all {
			if touched[bill.Period] {
				result.NewBillStatuses = append(result.NewBillStatuses, BillStatusChange{Period: bill.Period, Status: bill.Status})
			}
		}
	}

	// Back out credit movements with opposite entries under the reversal
	// ref. History is never edited; the audit trail keeps both sides.
	newBalance, err := credits.Balance(ctx, clientID, unitID)
	if err != nil {
		return nil, err
	}
	for _, entry := range creditEntries {
		newBalance, err = credits.Adjust(ctx, clientID, unitID, entry.Amount.Neg(), ReversalReason(entry.Reason), reversalRef)
		if err != nil {
			return nil, err
		}
	}
	result.NewCreditBalance = newBalance
	return result, nil
}

func (s *Service) findTransactionUnit(ctx context.Context, clientID ClientID, transactionRef string) (UnitID, error) {
	bills, err := s.Store.FindBillsByTransactionRef(ctx, clientID, transactionRef)
	if err != nil {
		return "", err
	}
	if len(bills) > 0 {
		return bills[0].UnitID, nil
	}
	// Credit-only transaction (overpayment with no open bills): scan credit
	// histories for the ref.
	credits, err := s.Store.ListCreditBalances(ctx, clientID)
	if err != nil {
		return "", err
	}
	for _, c := range credits {
		for _, e := range c.History {
			if e.TransactionRef == transactionRef {
				return c.UnitID, nil
			}
		}
	}
	return "", fmt.Errorf("transactionRef %q: %w", transactionRef, ErrTransactionNotFound)
}

// =============================================================================
// BILL GENERATION
// =============================================================================

// MeterReading is one unit's meter capture for a period.
type MeterReading struct {
	UnitID     UnitID `json:"unit_id"`
	MeterStart int    `json:"meter_start"`
	MeterEnd   int    `json:"meter_end"`
}

// GenerateBills creates one bill per reading for a period. Idempotent:
// regenerating an existing period replaces the bill in place - but only
// while it has no payments. A billed-and-paid period is immutable except
// through reversal.
func (s *Service) GenerateBills(ctx context.Context, clientID ClientID, period PeriodID, readings []MeterReading) ([]*Bill, error) {
	if clientID == "" {
		return nil, &ValidationError{Field: "clientId", Message: "required"}
	}
	if !period.Valid() {
		return nil, &ValidationError{Field: "period", Message: fmt.Sprintf("invalid period %s", period)}
	}
	seen := make(map[UnitID]bool, len(readings))
	for _, r := range readings {
		if r.UnitID == "" {
			return nil, &ValidationError{Field: "readings", Message: "unitId required"}
		}
		if r.MeterEnd < r.MeterStart {
			return nil, &ValidationError{Field: "readings", Message: fmt.Sprintf("unit %s: meter end %d before start %d", r.UnitID, r.MeterEnd, r.MeterStart)}
		}
		if seen[r.UnitID] {
			return nil, &ValidationError{Field: "readings", Message: fmt.Sprintf("duplicate reading for unit %s", r.UnitID)}
		}
		seen[r.UnitID] = true
	}

	generated := make([]*Bill, 0, len(readings))
	for _, reading := range readings {
		bill, err := s.generateUnitBill(ctx, clientID, period, reading)
		if err != nil {
			return nil, err
		}
		generated = append(generated, bill)

		if err := s.Surgical.OnMutation(ctx, clientID, period.FiscalYear, reading.UnitID); err != nil {
			log.Printf("generate %s/%s: surgical update failed: %v", reading.UnitID, period, err)
		}
	}
	return generated, nil
}

func (s *Service) generateUnitBill(ctx context.Context, clientID ClientID, period PeriodID, reading MeterReading) (*Bill, error) {
	unlock := s.locks.lock(clientID, reading.UnitID)
	defer unlock()

	var bill *Bill
	err := s.withRetry(ctx, func() error {
		return s.Store.WithTx(ctx, func(store Store) error {
			existing, err := store.GetBill(ctx, clientID, reading.UnitID, period)
			if err != nil && !errors.Is(err, ErrBillNotFound) {
				return err
			}
			if existing != nil && len(existing.Payments) > 0 {
				return fmt.Errorf("unit %s period %s: %w", reading.UnitID, period, ErrBillHasPayments)
			}

			consumption := reading.MeterEnd - reading.MeterStart
			charge := s.Config.RatePerM3.MulInt(consumption).Max(s.Config.MinimumCharge)

			bill = &Bill{
				ClientID:      clientID,
				UnitID:        reading.UnitID,
				Period:        period,
				DueDate:       s.Config.DueDate(period),
				BaseCharge:    charge,
				MeterStart:    reading.MeterStart,
				MeterEnd:      reading.MeterEnd,
				ConsumptionM3: consumption,
			}
			if existing != nil {
				bill.Version = existing.Version
			}
			bill.Recompute()
			if err := store.PutBill(ctx, bill); err != nil {
				return err
			}

			// Seed carryover and penalty from the unit's full chain; a new
			// year's first bill inherits the prior year's closing balance.
			all, err := RecomputeUnitHistory(ctx, store, clientID, reading.UnitID, s.now(), s.Config.Penalty)
			if err != nil {
				return err
			}
			for _, b := range all {
				if b.Period.Equal(period) {
					bill = b
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// =============================================================================
// RETRY AND LOCKING
// =============================================================================

// withRetry runs a mutation, retrying bounded times on retryable errors
// (concurrency conflicts and transient store failures) with exponential
// backoff. Non-retryable errors surface immediately.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type lockKey struct {
	ClientID ClientID
	UnitID   UnitID
}

// unitLocks serializes mutations per (client, unit). Different units
// proceed in parallel.
type unitLocks struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

func (l *unitLocks) lock(clientID ClientID, unitID UnitID) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[lockKey]*sync.Mutex)
	}
	key := lockKey{clientID, unitID}
	m := l.locks[key]
	if m == nil {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

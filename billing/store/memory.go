// Package store provides billing.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hoaworks/waterbill/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	bills   map[billKey]*billing.Bill
	credits map[creditKey]*billing.CreditBalance
	views   map[viewKey]*billing.AggregatedView
}

type billKey struct {
	ClientID billing.ClientID
	UnitID   billing.UnitID
	Period   billing.PeriodID
}

type creditKey struct {
	ClientID billing.ClientID
	UnitID   billing.UnitID
}

type viewKey struct {
	ClientID   billing.ClientID
	FiscalYear int
}

func NewMemory() *Memory {
	return &Memory{
		bills:   make(map[billKey]*billing.Bill),
		credits: make(map[creditKey]*billing.CreditBalance),
		views:   make(map[viewKey]*billing.AggregatedView),
	}
}

func (m *Memory) GetBill(_ context.Context, clientID billing.ClientID, unitID billing.UnitID, period billing.PeriodID) (*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bill, ok := m.bills[billKey{clientID, unitID, period}]
	if !ok {
		return nil, fmt.Errorf("bill %s/%s/%s: %w", clientID, unitID, period, billing.ErrBillNotFound)
	}
	return copyBill(bill), nil
}

func (m *Memory) PutBill(_ context.Context, bill *billing.Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putBillLocked(bill)
}

func (m *Memory) putBillLocked(bill *billing.Bill) error {
	k := billKey{bill.ClientID, bill.UnitID, bill.Period}
	if existing, ok := m.bills[k]; ok {
		if existing.Version != bill.Version {
			return fmt.Errorf("bill %s/%s/%s: version %d != stored %d: %w",
				bill.ClientID, bill.UnitID, bill.Period, bill.Version, existing.Version, billing.ErrConcurrentModification)
		}
	} else if bill.Version != 0 {
		return fmt.Errorf("bill %s/%s/%s: version %d on insert: %w",
			bill.ClientID, bill.UnitID, bill.Period, bill.Version, billing.ErrConcurrentModification)
	}
	bill.Version++
	m.bills[k] = copyBill(bill)
	return nil
}

func (m *Memory) ListUnitBills(_ context.Context, clientID billing.ClientID, fiscalYear int, unitID billing.UnitID) ([]*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUnitBillsLocked(clientID, fiscalYear, unitID), nil
}

func (m *Memory) listUnitBillsLocked(clientID billing.ClientID, fiscalYear int, unitID billing.UnitID) []*billing.Bill {
	var result []*billing.Bill
	for k, bill := range m.bills {
		if k.ClientID == clientID && k.UnitID == unitID && k.Period.FiscalYear == fiscalYear {
			result = append(result, copyBill(bill))
		}
	}
	sortBills(result)
	return result
}

func (m *Memory) ListUnitBillHistory(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUnitBillHistoryLocked(clientID, unitID), nil
}

func (m *Memory) listUnitBillHistoryLocked(clientID billing.ClientID, unitID billing.UnitID) []*billing.Bill {
	var result []*billing.Bill
	for k, bill := range m.bills {
		if k.ClientID == clientID && k.UnitID == unitID {
			result = append(result, copyBill(bill))
		}
	}
	sortBills(result)
	return result
}

func (m *Memory) ListBillsForYear(_ context.Context, clientID billing.ClientID, fiscalYear int) ([]*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*billing.Bill
	for k, bill := range m.bills {
		if k.ClientID == clientID && k.Period.FiscalYear == fiscalYear {
			result = append(result, copyBill(bill))
		}
	}
	sortBills(result)
	return result, nil
}

func (m *Memory) FindBillsByTransactionRef(_ context.Context, clientID billing.ClientID, transactionRef string) ([]*billing.Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*billing.Bill
	for k, bill := range m.bills {
		if k.ClientID != clientID {
			continue
		}
		for _, p := range bill.Payments {
			if p.TransactionRef == transactionRef {
				result = append(result, copyBill(bill))
				break
			}
		}
	}
	sortBills(result)
	return result, nil
}

func (m *Memory) GetCredit(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) (*billing.CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	credit, ok := m.credits[creditKey{clientID, unitID}]
	if !ok {
		return nil, nil
	}
	return copyCredit(credit), nil
}

func (m *Memory) PutCredit(_ context.Context, credit *billing.CreditBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCreditLocked(credit)
}

func (m *Memory) putCreditLocked(credit *billing.CreditBalance) error {
	k := creditKey{credit.ClientID, credit.UnitID}
	if existing, ok := m.credits[k]; ok {
		if existing.Version != credit.Version {
			return fmt.Errorf("credit %s/%s: version %d != stored %d: %w",
				credit.ClientID, credit.UnitID, credit.Version, existing.Version, billing.ErrConcurrentModification)
		}
	} else if credit.Version != 0 {
		return fmt.Errorf("credit %s/%s: version %d on insert: %w",
			credit.ClientID, credit.UnitID, credit.Version, billing.ErrConcurrentModification)
	}
	credit.Version++
	m.credits[k] = copyCredit(credit)
	return nil
}

func (m *Memory) ListCreditBalances(_ context.Context, clientID billing.ClientID) ([]*billing.CreditBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*billing.CreditBalance
	for k, credit := range m.credits {
		if k.ClientID == clientID {
			result = append(result, copyCredit(credit))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UnitID < result[j].UnitID })
	return result, nil
}

func (m *Memory) SaveView(_ context.Context, view *billing.AggregatedView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.views[viewKey{view.ClientID, view.FiscalYear}] = copyView(view)
	return nil
}

func (m *Memory) GetView(_ context.Context, clientID billing.ClientID, fiscalYear int) (*billing.AggregatedView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	view, ok := m.views[viewKey{clientID, fiscalYear}]
	if !ok {
		return nil, nil
	}
	return copyView(view), nil
}

func sortBills(bills []*billing.Bill) {
	sort.Slice(bills, func(i, j int) bool {
		if bills[i].UnitID != bills[j].UnitID {
			return bills[i].UnitID < bills[j].UnitID
		}
		return bills[i].Period.Before(bills[j].Period)
	})
}

// Deep copies: callers never share memory with the store's records.

func copyBill(b *billing.Bill) *billing.Bill {
	out := *b
	out.Payments = append([]billing.PaymentRecord(nil), b.Payments...)
	return &out
}

func copyCredit(c *billing.CreditBalance) *billing.CreditBalance {
	out := *c
	out.History = append([]billing.CreditEntry(nil), c.History...)
	return &out
}

func copyView(v *billing.AggregatedView) *billing.AggregatedView {
	return v.Clone()
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	txStore := &txMemoryView{parent: tm}
	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	bills := make(map[billKey]*billing.Bill, len(tm.bills))
	for k, v := range tm.bills {
		bills[k] = copyBill(v)
	}
	credits := make(map[creditKey]*billing.CreditBalance, len(tm.credits))
	for k, v := range tm.credits {
		credits[k] = copyCredit(v)
	}
	views := make(map[viewKey]*billing.AggregatedView, len(tm.views))
	for k, v := range tm.views {
		views[k] = copyView(v)
	}
	return memorySnapshot{bills: bills, credits: credits, views: views}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.bills = s.bills
	tm.credits = s.credits
	tm.views = s.views
}

type memorySnapshot struct {
	bills   map[billKey]*billing.Bill
	credits map[creditKey]*billing.CreditBalance
	views   map[viewKey]*billing.AggregatedView
}

// txMemoryView writes against the parent's maps without re-locking; the
// parent holds its own lock for the duration of WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetBill(_ context.Context, clientID billing.ClientID, unitID billing.UnitID, period billing.PeriodID) (*billing.Bill, error) {
	bill, ok := tv.parent.bills[billKey{clientID, unitID, period}]
	if !ok {
		return nil, fmt.Errorf("bill %s/%s/%s: %w", clientID, unitID, period, billing.ErrBillNotFound)
	}
	return copyBill(bill), nil
}

func (tv *txMemoryView) PutBill(_ context.Context, bill *billing.Bill) error {
	return tv.parent.putBillLocked(bill)
}

func (tv *txMemoryView) ListUnitBills(_ context.Context, clientID billing.ClientID, fiscalYear int, unitID billing.UnitID) ([]*billing.Bill, error) {
	return tv.parent.listUnitBillsLocked(clientID, fiscalYear, unitID), nil
}

func (tv *txMemoryView) ListUnitBillHistory(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) ([]*billing.Bill, error) {
	return tv.parent.listUnitBillHistoryLocked(clientID, unitID), nil
}

func (tv *txMemoryView) ListBillsForYear(_ context.Context, clientID billing.ClientID, fiscalYear int) ([]*billing.Bill, error) {
	var result []*billing.Bill
	for k, bill := range tv.parent.bills {
		if k.ClientID == clientID && k.Period.FiscalYear == fiscalYear {
			result = append(result, copyBill(bill))
		}
	}
	sortBills(result)
	return result, nil
}

func (tv *txMemoryView) FindBillsByTransactionRef(_ context.Context, clientID billing.ClientID, transactionRef string) ([]*billing.Bill, error) {
	var result []*billing.Bill
	for k, bill := range tv.parent.bills {
		if k.ClientID != clientID {
			continue
		}
		for _, p := range bill.Payments {
			if p.TransactionRef == transactionRef {
				result = append(result, copyBill(bill))
				break
			}
		}
	}
	sortBills(result)
	return result, nil
}

func (tv *txMemoryView) GetCredit(_ context.Context, clientID billing.ClientID, unitID billing.UnitID) (*billing.CreditBalance, error) {
	credit, ok := tv.parent.credits[creditKey{clientID, unitID}]
	if !ok {
		return nil, nil
	}
	return copyCredit(credit), nil
}

func (tv *txMemoryView) PutCredit(_ context.Context, credit *billing.CreditBalance) error {
	return tv.parent.putCreditLocked(credit)
}

func (tv *txMemoryView) ListCreditBalances(_ context.Context, clientID billing.ClientID) ([]*billing.CreditBalance, error) {
	var result []*billing.CreditBalance
	for k, credit := range tv.parent.credits {
		if k.ClientID == clientID {
			result = append(result, copyCredit(credit))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UnitID < result[j].UnitID })
	return result, nil
}

func (tv *txMemoryView) SaveView(_ context.Context, view *billing.AggregatedView) error {
	tv.parent.views[viewKey{view.ClientID, view.FiscalYear}] = copyView(view)
	return nil
}

func (tv *txMemoryView) GetView(_ context.Context, clientID billing.ClientID, fiscalYear int) (*billing.AggregatedView, error) {
	view, ok := tv.parent.views[viewKey{clientID, fiscalYear}]
	if !ok {
		return nil, nil
	}
	return copyView(view), nil
}

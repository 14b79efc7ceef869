package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

// Store keeps everything in process memory. It backs local development and the
// test suites, and enforces the same invariants as the postgres store.
type Store struct {
	mu sync.RWMutex

	products  map[string]domain.Product
	movements []domain.StockMovement
	sales     map[string]domain.Sale
	shifts    map[string]domain.Shift
	cashTxs   map[string][]domain.CashTransaction
	counts    map[string]domain.StockCount
	customers map[string]domain.Customer
	debts     map[string]domain.CustomerDebt
	payments  []domain.DebtPayment
	audits    []domain.AuditLog
	users     map[string]domain.UserAccount
}

func New() *Store {
	s := &Store{
		products:  make(map[string]domain.Product),
		movements: make([]domain.StockMovement, 0, 256),
		sales:     make(map[string]domain.Sale),
		shifts:    make(map[string]domain.Shift),
		cashTxs:   make(map[string][]domain.CashTransaction),
		counts:    make(map[string]domain.StockCount),
		customers: make(map[string]domain.Customer),
		debts:     make(map[string]domain.CustomerDebt),
		payments:  make([]domain.DebtPayment, 0, 64),
		audits:    make([]domain.AuditLog, 0, 256),
		users:     make(map[string]domain.UserAccount),
	}
	s.seed()
	return s
}

func (s *Store) seed() {
	now := time.Now().UTC()
	seeded := []domain.Product{
		{ID: "prod-seed-espresso", SKU: "BEV-001", Name: "Espresso", Category: "beverage", PriceCents: 350, TaxRatePercent: 10, Quantity: 120, MinStock: 20},
		{ID: "prod-seed-latte", SKU: "BEV-002", Name: "Latte", Category: "beverage", PriceCents: 520, TaxRatePercent: 10, Quantity: 80, MinStock: 15},
		{ID: "prod-seed-croissant", SKU: "BAK-001", Name: "Butter Croissant", Category: "bakery", PriceCents: 410, TaxRatePercent: 0, Quantity: 40, MinStock: 10},
		{ID: "prod-seed-beans", SKU: "RET-001", Name: "House Blend Beans 250g", Category: "retail", PriceCents: 1450, TaxRatePercent: 10, Quantity: 25, MinStock: 5},
	}
	for _, p := range seeded {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateProduct(_ context.Context, product domain.Product, initialStock int, actingUser string) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.TaxRatePercent < 0 || product.TaxRatePercent > 100 || initialStock < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.SKU == product.SKU {
			return nil, store.ErrInvalidInput
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	product.Active = true
	product.Quantity = 0
	s.products[product.ID] = product

	// Initial stock arrives through the ledger in the same unit as the
	// insert, so the product never exists without its opening movement.
	if initialStock > 0 {
		movement, err := s.applyMovementLocked(domain.MovementRequest{
			ProductID:     product.ID,
			Direction:     domain.MovementIn,
			Quantity:      initialStock,
			ReferenceType: domain.RefPurchase,
			Note:          "initial stock",
			ActingUser:    actingUser,
		}, now)
		if err != nil {
			delete(s.products, product.ID)
			return nil, err
		}
		product.Quantity = movement.NewQuantity
	}

	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := product
	return &found, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Category != products[j].Category {
			return products[i].Category < products[j].Category
		}
		return products[i].Name < products[j].Name
	})
	return products, nil
}

// applyMovementLocked mutates product quantity and appends the ledger record.
// Caller must hold the write lock.
func (s *Store) applyMovementLocked(req domain.MovementRequest, at time.Time) (*domain.StockMovement, error) {
	if req.ProductID == "" || req.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if req.Direction != domain.MovementIn && req.Direction != domain.MovementOut {
		return nil, store.ErrInvalidInput
	}

	product, ok := s.products[req.ProductID]
	if !ok || !product.Active {
		return nil, store.ErrNotFound
	}

	prev := product.Quantity
	newQty := prev + req.Quantity
	if req.Direction == domain.MovementOut {
		if prev < req.Quantity {
			return nil, store.ErrInsufficientStock
		}
		newQty = prev - req.Quantity
	}

	product.Quantity = newQty
	product.UpdatedAt = at
	s.products[req.ProductID] = product

	movement := domain.StockMovement{
		ID:               xid.New("mov"),
		ProductID:        req.ProductID,
		Direction:        req.Direction,
		Quantity:         req.Quantity,
		PreviousQuantity: prev,
		NewQuantity:      newQty,
		ReferenceType:    req.ReferenceType,
		ReferenceID:      req.ReferenceID,
		Note:             strings.TrimSpace(req.Note),
		ActingUser:       req.ActingUser,
		CreatedAt:        at,
	}
	s.movements = append(s.movements, movement)
	saved := movement
	return &saved, nil
}

func (s *Store) ApplyMovement(_ context.Context, req domain.MovementRequest) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyMovementLocked(req, time.Now().UTC())
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(movements) < limit; i-- {
		m := s.movements[i]
		if productID != "" && m.ProductID != productID {
			continue
		}
		movements = append(movements, m)
	}
	return movements, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, lines []domain.SaleLineInput) (*domain.Sale, error) {
	if len(lines) == 0 || sale.ShiftID == "" {
		return nil, store.ErrInvalidInput
	}
	if sale.DiscountCents < 0 {
		return nil, store.ErrInvalidInput
	}
	switch sale.PaymentMethod {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentMixed:
	default:
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shifts[sale.ShiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftOpen {
		return nil, store.ErrShiftNotOpen
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleCompleted

	// All line movements succeed or none do; the snapshot restores the
	// pre-sale state on any failure.
	productsBackup := make(map[string]domain.Product, len(s.products))
	for id, p := range s.products {
		productsBackup[id] = p
	}
	movementsLen := len(s.movements)
	restore := func() {
		s.products = productsBackup
		s.movements = s.movements[:movementsLen]
	}

	subtotal := int64(0)
	taxCents := int64(0)
	saleLines := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 {
			restore()
			return nil, store.ErrInvalidInput
		}
		product, ok := s.products[line.ProductID]
		if !ok || !product.Active {
			restore()
			return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidInput, line.ProductID)
		}

		if _, err := s.applyMovementLocked(domain.MovementRequest{
			ProductID:     line.ProductID,
			Direction:     domain.MovementOut,
			Quantity:      line.Quantity,
			ReferenceType: domain.RefSale,
			ReferenceID:   sale.ID,
			ActingUser:    sale.ActingUser,
		}, sale.CreatedAt); err != nil {
			restore()
			return nil, err
		}

		lineTotal := product.PriceCents * int64(line.Quantity)
		subtotal += lineTotal
		taxCents += int64(math.Round(float64(lineTotal) * product.TaxRatePercent / 100))
		saleLines = append(saleLines, domain.SaleLine{
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
			TaxRatePercent: product.TaxRatePercent,
			LineTotalCents: lineTotal,
		})
	}

	if sale.DiscountCents > subtotal {
		restore()
		return nil, store.ErrInvalidInput
	}
	total := subtotal - sale.DiscountCents + taxCents

	switch sale.PaymentMethod {
	case domain.PaymentCash:
		sale.CashSplitCents = total
		sale.CardSplitCents = 0
	case domain.PaymentCard:
		sale.CashSplitCents = 0
		sale.CardSplitCents = total
	case domain.PaymentMixed:
		if sale.CashSplitCents < 1 || sale.CardSplitCents < 1 || sale.CashSplitCents+sale.CardSplitCents != total {
			restore()
			return nil, store.ErrInvalidInput
		}
	}

	sale.SubtotalCents = subtotal
	sale.TaxCents = taxCents
	sale.TotalCents = total
	sale.Lines = saleLines
	s.sales[sale.ID] = sale

	saved := sale
	return &saved, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := sale
	found.Lines = append([]domain.SaleLine(nil), sale.Lines...)
	return &found, nil
}

func (s *Store) ListSales(_ context.Context, shiftID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if shiftID != "" && sale.ShiftID != shiftID {
			continue
		}
		sales = append(sales, sale)
	}
	sort.Slice(sales, func(i, j int) bool {
		if !sales[i].CreatedAt.Equal(sales[j].CreatedAt) {
			return sales[i].CreatedAt.After(sales[j].CreatedAt)
		}
		return sales[i].ID > sales[j].ID
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) VoidSale(_ context.Context, id string, reason string, actingUser string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleCompleted {
		return nil, store.ErrImmutableRecord
	}
	for _, debt := range s.debts {
		if debt.SaleID == id {
			return nil, store.ErrImmutableRecord
		}
	}

	productsBackup := make(map[string]domain.Product, len(s.products))
	for pid, p := range s.products {
		productsBackup[pid] = p
	}
	movementsLen := len(s.movements)

	for _, line := range sale.Lines {
		if _, err := s.applyMovementLocked(domain.MovementRequest{
			ProductID:     line.ProductID,
			Direction:     domain.MovementIn,
			Quantity:      line.Quantity,
			ReferenceType: domain.RefSaleReversal,
			ReferenceID:   id,
			Note:          reason,
			ActingUser:    actingUser,
		}, at); err != nil {
			s.products = productsBackup
			s.movements = s.movements[:movementsLen]
			return nil, err
		}
	}

	sale.Status = domain.SaleVoided
	sale.VoidReason = reason
	voidedAt := at
	sale.VoidedAt = &voidedAt
	s.sales[id] = sale

	voided := sale
	voided.Lines = append([]domain.SaleLine(nil), sale.Lines...)
	return &voided, nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.UserID == "" || shift.StartCashCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.shifts {
		if existing.UserID == shift.UserID && existing.Status == domain.ShiftOpen {
			return nil, store.ErrShiftAlreadyOpen
		}
	}

	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftOpen
	shift.ClosedAt = nil
	s.shifts[shift.ID] = shift

	s.cashTxs[shift.ID] = append(s.cashTxs[shift.ID], domain.CashTransaction{
		ID:          xid.New("cash"),
		ShiftID:     shift.ID,
		Direction:   domain.CashDirectionIn,
		AmountCents: shift.StartCashCents,
		Category:    domain.CashCategoryInitial,
		Note:        "opening float",
		ActingUser:  shift.UserID,
		CreatedAt:   shift.OpenedAt,
	})

	saved := shift
	return &saved, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shifts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := shift
	return &found, nil
}

func (s *Store) GetActiveShiftByUser(_ context.Context, userID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, shift := range s.shifts {
		if shift.UserID == userID && shift.Status == domain.ShiftOpen {
			found := shift
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CloseShift(_ context.Context, shiftID string, countedCashCents int64, notes string, closedAt time.Time) (*domain.Shift, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shifts[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !shift.Status.CanTransition(domain.ShiftClosed) {
		return nil, store.ErrShiftNotOpen
	}

	cashFromSales := int64(0)
	for _, sale := range s.sales {
		if sale.ShiftID != shiftID || sale.Status == domain.SaleVoided {
			continue
		}
		cashFromSales += sale.CashPortion()
	}

	var cashIn, cashOut int64
	for _, cashTx := range s.cashTxs[shiftID] {
		switch cashTx.Direction {
		case domain.CashDirectionIn:
			// Opening float is its own term in the formula.
			if cashTx.Category != domain.CashCategoryInitial {
				cashIn += cashTx.AmountCents
			}
		case domain.CashDirectionOut:
			cashOut += cashTx.AmountCents
		}
	}

	shift.ExpectedCashCents = shift.StartCashCents + cashFromSales + cashIn - cashOut
	shift.ActualCashCents = countedCashCents
	shift.DifferenceCents = countedCashCents - shift.ExpectedCashCents
	shift.Notes = strings.TrimSpace(notes)
	shift.Status = domain.ShiftClosed
	at := closedAt
	shift.ClosedAt = &at
	s.shifts[shiftID] = shift

	closed := shift
	return &closed, nil
}

func (s *Store) AddCashTransaction(_ context.Context, cashTx domain.CashTransaction) (*domain.CashTransaction, error) {
	if cashTx.ShiftID == "" || cashTx.AmountCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if cashTx.Direction != domain.CashDirectionIn && cashTx.Direction != domain.CashDirectionOut {
		return nil, store.ErrInvalidInput
	}
	switch cashTx.Category {
	case domain.CashCategoryDeposit, domain.CashCategoryWithdrawal, domain.CashCategoryOther:
	default:
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shifts[cashTx.ShiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftOpen {
		return nil, store.ErrShiftNotOpen
	}

	if cashTx.ID == "" {
		cashTx.ID = xid.New("cash")
	}
	if cashTx.CreatedAt.IsZero() {
		cashTx.CreatedAt = time.Now().UTC()
	}
	cashTx.Note = strings.TrimSpace(cashTx.Note)
	s.cashTxs[cashTx.ShiftID] = append(s.cashTxs[cashTx.ShiftID], cashTx)

	saved := cashTx
	return &saved, nil
}

func (s *Store) DeleteCashTransaction(_ context.Context, shiftID string, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shifts[shiftID]
	if !ok {
		return store.ErrNotFound
	}
	if shift.Status != domain.ShiftOpen {
		return store.ErrShiftNotOpen
	}

	txs := s.cashTxs[shiftID]
	for i, cashTx := range txs {
		if cashTx.ID != txID {
			continue
		}
		if cashTx.Category == domain.CashCategoryInitial {
			return store.ErrImmutableRecord
		}
		s.cashTxs[shiftID] = append(txs[:i], txs[i+1:]...)
		return nil
	}
	return store.ErrNotFound
}

func (s *Store) ListCashTransactions(_ context.Context, shiftID string) ([]domain.CashTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs := append([]domain.CashTransaction(nil), s.cashTxs[shiftID]...)
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].ID < txs[j].ID
	})
	return txs, nil
}

func (s *Store) StartStockCount(_ context.Context, count domain.StockCount, req domain.StockCountStartRequest) (*domain.StockCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	partial := make(map[string]bool, len(req.ProductIDs))
	switch req.Type {
	case domain.CountTypeFull, domain.CountTypeLowStock:
	case domain.CountTypeCategory:
		if strings.TrimSpace(req.Category) == "" {
			return nil, store.ErrInvalidInput
		}
	case domain.CountTypePartial:
		if len(req.ProductIDs) == 0 {
			return nil, store.ErrInvalidInput
		}
		for _, id := range req.ProductIDs {
			partial[id] = true
		}
	default:
		return nil, store.ErrInvalidInput
	}

	scope := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		switch req.Type {
		case domain.CountTypeFull:
		case domain.CountTypeCategory:
			if p.Category != strings.TrimSpace(req.Category) {
				continue
			}
		case domain.CountTypeLowStock:
			if p.Quantity > p.MinStock {
				continue
			}
		case domain.CountTypePartial:
			if !partial[p.ID] {
				continue
			}
		}
		scope = append(scope, p)
	}
	if len(scope) == 0 {
		return nil, store.ErrEmptyScope
	}
	sort.Slice(scope, func(i, j int) bool { return scope[i].SKU < scope[j].SKU })

	if count.ID == "" {
		count.ID = xid.New("count")
	}
	if count.StartedAt.IsZero() {
		count.StartedAt = time.Now().UTC()
	}
	count.Status = domain.CountInProgress
	count.Type = req.Type
	count.Category = strings.TrimSpace(req.Category)
	count.CompletedAt = nil

	count.Items = make([]domain.StockCountItem, 0, len(scope))
	for _, p := range scope {
		count.Items = append(count.Items, domain.StockCountItem{
			ID:         xid.New("item"),
			CountID:    count.ID,
			ProductID:  p.ID,
			SystemQty:  p.Quantity,
			Difference: -p.Quantity,
		})
	}
	s.counts[count.ID] = count

	saved := count
	saved.Items = append([]domain.StockCountItem(nil), count.Items...)
	return &saved, nil
}

func (s *Store) GetStockCount(_ context.Context, id string) (*domain.StockCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStockCountLocked(id)
}

func (s *Store) getStockCountLocked(id string) (*domain.StockCount, error) {
	count, ok := s.counts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := count
	found.Items = append([]domain.StockCountItem(nil), count.Items...)
	return &found, nil
}

func (s *Store) UpdateCountItem(_ context.Context, countID string, itemID string, countedQty int) (*domain.StockCountItem, error) {
	if countedQty < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.counts[countID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if count.Status != domain.CountInProgress {
		return nil, store.ErrCountNotInProgress
	}

	for i := range count.Items {
		if count.Items[i].ID != itemID {
			continue
		}
		count.Items[i].CountedQty = countedQty
		count.Items[i].Difference = countedQty - count.Items[i].SystemQty
		count.Items[i].Counted = true
		s.counts[countID] = count

		updated := count.Items[i]
		return &updated, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) CompleteStockCount(_ context.Context, countID string, applyChanges bool, actingUser string, completedAt time.Time) (*domain.StockCountResult, error) {
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.counts[countID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !count.Status.CanTransition(domain.CountCompleted) {
		return nil, store.ErrCountNotInProgress
	}

	count.Status = domain.CountCompleted
	at := completedAt
	count.CompletedAt = &at
	s.counts[countID] = count

	result := &domain.StockCountResult{Count: count}
	result.Count.Items = append([]domain.StockCountItem(nil), count.Items...)
	if !applyChanges {
		return result, nil
	}

	// Items are applied independently; one bad product does not block the rest.
	for _, item := range count.Items {
		product, ok := s.products[item.ProductID]
		if !ok || !product.Active {
			result.Failures = append(result.Failures, domain.CountApplyFailure{
				ProductID: item.ProductID,
				Reason:    store.ErrNotFound.Error(),
			})
			continue
		}

		// The correction targets the counted value against the live quantity,
		// which may have drifted since the count started.
		delta := item.CountedQty - product.Quantity
		if delta == 0 {
			continue
		}
		direction := domain.MovementIn
		if delta < 0 {
			direction = domain.MovementOut
			delta = -delta
		}
		movement, err := s.applyMovementLocked(domain.MovementRequest{
			ProductID:     item.ProductID,
			Direction:     direction,
			Quantity:      delta,
			ReferenceType: domain.RefStockCount,
			ReferenceID:   countID,
			ActingUser:    actingUser,
		}, completedAt)
		if err != nil {
			result.Failures = append(result.Failures, domain.CountApplyFailure{
				ProductID: item.ProductID,
				Reason:    err.Error(),
			})
			continue
		}
		result.Applied = append(result.Applied, *movement)
	}
	return result, nil
}

func (s *Store) CancelStockCount(_ context.Context, countID string) (*domain.StockCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, ok := s.counts[countID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !count.Status.CanTransition(domain.CountCancelled) {
		return nil, store.ErrCountNotInProgress
	}

	count.Status = domain.CountCancelled
	at := time.Now().UTC()
	count.CompletedAt = &at
	s.counts[countID] = count

	return s.getStockCountLocked(countID)
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.Phone = strings.TrimSpace(customer.Phone)
	customer.DebtBalanceCents = 0
	s.customers[customer.ID] = customer

	saved := customer
	return &saved, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := customer
	return &found, nil
}

func (s *Store) AddDebt(_ context.Context, debt domain.CustomerDebt) (*domain.CustomerDebt, error) {
	if debt.CustomerID == "" || debt.AmountCents < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[debt.CustomerID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if debt.ID == "" {
		debt.ID = xid.New("debt")
	}
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = time.Now().UTC()
	}
	debt.PaidAmountCents = 0
	debt.Status = domain.DebtOpen
	debt.Description = strings.TrimSpace(debt.Description)
	s.debts[debt.ID] = debt

	customer.DebtBalanceCents += debt.AmountCents
	s.customers[debt.CustomerID] = customer

	saved := debt
	return &saved, nil
}

func (s *Store) DeleteDebt(_ context.Context, debtID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	debt, ok := s.debts[debtID]
	if !ok {
		return store.ErrNotFound
	}
	if debt.PaidAmountCents != 0 {
		return store.ErrImmutableRecord
	}

	customer, ok := s.customers[debt.CustomerID]
	if ok {
		customer.DebtBalanceCents -= debt.AmountCents
		s.customers[debt.CustomerID] = customer
	}
	delete(s.debts, debtID)
	return nil
}

func (s *Store) ListDebts(_ context.Context, customerID string) ([]domain.CustomerDebt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listDebtsLocked(customerID), nil
}

func (s *Store) listDebtsLocked(customerID string) []domain.CustomerDebt {
	debts := make([]domain.CustomerDebt, 0, 16)
	for _, debt := range s.debts {
		if debt.CustomerID == customerID {
			debts = append(debts, debt)
		}
	}
	sort.Slice(debts, func(i, j int) bool {
		if !debts[i].CreatedAt.Equal(debts[j].CreatedAt) {
			return debts[i].CreatedAt.Before(debts[j].CreatedAt)
		}
		return debts[i].ID < debts[j].ID
	})
	return debts
}

func (s *Store) RecordDebtPayment(_ context.Context, customerID string, amountCents int64, method string, note string, actingUser string) (*domain.PaymentAllocation, error) {
	if customerID == "" || amountCents < 1 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if amountCents > customer.DebtBalanceCents {
		return nil, store.ErrPaymentExceedsDebt
	}

	// The aggregate balance and the per-debt rows must agree before anything
	// is written; if the rows cannot absorb the payment the aggregate
	// accepted, the records have drifted and the caller should retry.
	outstandingTotal := int64(0)
	for _, debt := range s.listDebtsLocked(customerID) {
		if open := debt.AmountCents - debt.PaidAmountCents; open > 0 {
			outstandingTotal += open
		}
	}
	if outstandingTotal < amountCents {
		return nil, store.ErrConflict
	}

	now := time.Now().UTC()
	remaining := amountCents
	payments := make([]domain.DebtPayment, 0, 4)
	for _, debt := range s.listDebtsLocked(customerID) {
		if remaining < 1 {
			break
		}
		outstanding := debt.AmountCents - debt.PaidAmountCents
		if outstanding < 1 {
			continue
		}
		portion := remaining
		if portion > outstanding {
			portion = outstanding
		}

		payment := domain.DebtPayment{
			ID:            xid.New("pay"),
			DebtID:        debt.ID,
			CustomerID:    customerID,
			AmountCents:   portion,
			PaymentMethod: method,
			Note:          strings.TrimSpace(note),
			ActingUser:    actingUser,
			CreatedAt:     now,
		}
		s.payments = append(s.payments, payment)
		payments = append(payments, payment)

		debt.PaidAmountCents += portion
		if debt.PaidAmountCents >= debt.AmountCents {
			debt.Status = domain.DebtPaid
		} else {
			debt.Status = domain.DebtPartial
		}
		s.debts[debt.ID] = debt
		remaining -= portion
	}

	applied := amountCents - remaining
	customer.DebtBalanceCents -= applied
	s.customers[customerID] = customer

	return &domain.PaymentAllocation{
		CustomerID:            customerID,
		AppliedCents:          applied,
		RemainingBalanceCents: customer.DebtBalanceCents,
		Payments:              payments,
	}, nil
}

func (s *Store) ListDebtPayments(_ context.Context, customerID string) ([]domain.DebtPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := make([]domain.DebtPayment, 0, 16)
	for _, payment := range s.payments {
		if payment.CustomerID == customerID {
			payments = append(payments, payment)
		}
	}
	return payments, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.audits) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.audits[i]
		if entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

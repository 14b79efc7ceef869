package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

func newProduct(t *testing.T, s *Store, sku string, qty int) *domain.Product {
	t.Helper()
	product, err := s.CreateProduct(context.Background(), domain.Product{
		SKU:        sku,
		Name:       "Test " + sku,
		Category:   "test",
		PriceCents: 1000,
	}, qty, "tester")
	require.NoError(t, err)
	return product
}

func openShift(t *testing.T, s *Store, user string, startCash int64) *domain.Shift {
	t.Helper()
	shift, err := s.CreateShift(context.Background(), domain.Shift{
		UserID:         user,
		StartCashCents: startCash,
	})
	require.NoError(t, err)
	return shift
}

func TestApplyMovementChainsQuantities(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "CHAIN-1", 0)

	in, err := s.ApplyMovement(ctx, domain.MovementRequest{
		ProductID:     product.ID,
		Direction:     domain.MovementIn,
		Quantity:      10,
		ReferenceType: domain.RefPurchase,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, in.PreviousQuantity)
	assert.Equal(t, 10, in.NewQuantity)

	out, err := s.ApplyMovement(ctx, domain.MovementRequest{
		ProductID:     product.ID,
		Direction:     domain.MovementOut,
		Quantity:      4,
		ReferenceType: domain.RefAdjustment,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, out.PreviousQuantity)
	assert.Equal(t, 6, out.NewQuantity)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Quantity)
}

func TestApplyMovementRejectsOverdraw(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "OVER-1", 3)

	_, err := s.ApplyMovement(ctx, domain.MovementRequest{
		ProductID:     product.ID,
		Direction:     domain.MovementOut,
		Quantity:      4,
		ReferenceType: domain.RefAdjustment,
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)

	// Only the opening stock entry exists; the rejected overdraw left no trace.
	movements, err := s.ListMovements(ctx, product.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.RefPurchase, movements[0].ReferenceType)
}

func TestCreateProductSeedsOpeningMovement(t *testing.T) {
	s := New()
	ctx := context.Background()

	product, err := s.CreateProduct(ctx, domain.Product{
		SKU:        "SEED-1",
		Name:       "Seeded",
		PriceCents: 500,
	}, 12, "admin")
	require.NoError(t, err)
	assert.Equal(t, 12, product.Quantity)

	movements, err := s.ListMovements(ctx, product.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.RefPurchase, movements[0].ReferenceType)
	assert.Equal(t, 0, movements[0].PreviousQuantity)
	assert.Equal(t, 12, movements[0].NewQuantity)
	assert.Equal(t, "admin", movements[0].ActingUser)

	// A rejected insert writes nothing to the ledger either.
	_, err = s.CreateProduct(ctx, domain.Product{
		SKU:        "SEED-1",
		Name:       "Duplicate",
		PriceCents: 500,
	}, 7, "admin")
	require.ErrorIs(t, err, store.ErrInvalidInput)

	all, err := s.ListMovements(ctx, "", 100)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMovementReplayReconstructsQuantity(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "REPLAY-1", 0)

	deltas := []struct {
		dir string
		qty int
	}{
		{domain.MovementIn, 20},
		{domain.MovementOut, 5},
		{domain.MovementIn, 3},
		{domain.MovementOut, 8},
	}
	for _, d := range deltas {
		_, err := s.ApplyMovement(ctx, domain.MovementRequest{
			ProductID:     product.ID,
			Direction:     d.dir,
			Quantity:      d.qty,
			ReferenceType: domain.RefAdjustment,
		})
		require.NoError(t, err)
	}

	movements, err := s.ListMovements(ctx, product.ID, 100)
	require.NoError(t, err)
	require.Len(t, movements, len(deltas))

	replayed := 0
	for i := len(movements) - 1; i >= 0; i-- {
		m := movements[i]
		assert.Equal(t, replayed, m.PreviousQuantity)
		if m.Direction == domain.MovementIn {
			replayed += m.Quantity
		} else {
			replayed -= m.Quantity
		}
		assert.Equal(t, replayed, m.NewQuantity)
	}

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, replayed, got.Quantity)
}

func TestCreateSaleIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := newProduct(t, s, "ATOM-1", 5)
	second := newProduct(t, s, "ATOM-2", 1)
	shift := openShift(t, s, "casher1", 0)

	_, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{
		{ProductID: first.ID, Quantity: 2},
		{ProductID: second.ID, Quantity: 3},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	// First line must have been rolled back with the rest.
	got, err := s.GetProduct(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)

	// Only the two opening stock entries remain; no sale movement leaked.
	movements, err := s.ListMovements(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	for _, m := range movements {
		assert.Equal(t, domain.RefPurchase, m.ReferenceType)
	}

	sales, err := s.ListSales(ctx, shift.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCreateSaleComputesTotals(t *testing.T) {
	s := New()
	ctx := context.Background()

	product, err := s.CreateProduct(ctx, domain.Product{
		SKU:            "TOT-1",
		Name:           "Taxed item",
		Category:       "test",
		PriceCents:     1000,
		TaxRatePercent: 10,
	}, 10, "tester")
	require.NoError(t, err)
	shift := openShift(t, s, "casher1", 0)

	sale, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		DiscountCents: 500,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 3}})
	require.NoError(t, err)

	assert.Equal(t, int64(3000), sale.SubtotalCents)
	assert.Equal(t, int64(300), sale.TaxCents)
	assert.Equal(t, int64(2800), sale.TotalCents)
	assert.Equal(t, int64(2800), sale.CashSplitCents)
	assert.Equal(t, int64(0), sale.CardSplitCents)
	assert.Equal(t, int64(2800), sale.CashPortion())

	// Unit price is snapshotted on the line, not referenced.
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, int64(1000), sale.Lines[0].UnitPriceCents)
}

func TestCreateSaleMixedSplitMustBalance(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "MIX-1", 10)
	shift := openShift(t, s, "casher1", 0)

	_, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:        shift.ID,
		PaymentMethod:  domain.PaymentMixed,
		CashSplitCents: 500,
		CardSplitCents: 400,
		ActingUser:     "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	sale, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:        shift.ID,
		PaymentMethod:  domain.PaymentMixed,
		CashSplitCents: 600,
		CardSplitCents: 400,
		ActingUser:     "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(600), sale.CashPortion())
}

func TestVoidSaleReversesStock(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "VOID-1", 10)
	shift := openShift(t, s, "casher1", 0)

	sale, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 4}})
	require.NoError(t, err)

	voided, err := s.VoidSale(ctx, sale.ID, "customer returned", "admin", sale.CreatedAt.Add(1))
	require.NoError(t, err)
	assert.Equal(t, domain.SaleVoided, voided.Status)
	require.NotNil(t, voided.VoidedAt)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)

	// Original movements stay; the reversal is a new entry.
	movements, err := s.ListMovements(ctx, product.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 3)
	assert.Equal(t, domain.RefSaleReversal, movements[0].ReferenceType)
	assert.Equal(t, domain.RefSale, movements[1].ReferenceType)
	assert.Equal(t, domain.RefPurchase, movements[2].ReferenceType)

	_, err = s.VoidSale(ctx, sale.ID, "again", "admin", sale.CreatedAt.Add(2))
	require.ErrorIs(t, err, store.ErrImmutableRecord)
}

func TestVoidSaleBlockedByAttachedDebt(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "VOID-2", 10)
	shift := openShift(t, s, "casher1", 0)

	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Dana"})
	require.NoError(t, err)

	sale, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		CustomerID:    customer.ID,
		PaymentMethod: domain.PaymentCard,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}})
	require.NoError(t, err)

	_, err = s.AddDebt(ctx, domain.CustomerDebt{
		CustomerID:  customer.ID,
		SaleID:      sale.ID,
		AmountCents: 1000,
	})
	require.NoError(t, err)

	_, err = s.VoidSale(ctx, sale.ID, "too late", "admin", sale.CreatedAt.Add(1))
	require.ErrorIs(t, err, store.ErrImmutableRecord)
}

func TestShiftSingleOpenPerUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	openShift(t, s, "casher1", 5000)
	_, err := s.CreateShift(ctx, domain.Shift{UserID: "casher1", StartCashCents: 100})
	require.ErrorIs(t, err, store.ErrShiftAlreadyOpen)

	// A different user is unaffected.
	openShift(t, s, "casher2", 5000)
}

func TestShiftOpenRecordsInitialFloat(t *testing.T) {
	s := New()
	ctx := context.Background()
	shift := openShift(t, s, "casher1", 10000)

	txs, err := s.ListCashTransactions(ctx, shift.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.CashCategoryInitial, txs[0].Category)
	assert.Equal(t, int64(10000), txs[0].AmountCents)

	err = s.DeleteCashTransaction(ctx, shift.ID, txs[0].ID)
	require.ErrorIs(t, err, store.ErrImmutableRecord)

	_, err = s.AddCashTransaction(ctx, domain.CashTransaction{
		ShiftID:     shift.ID,
		Direction:   domain.CashDirectionIn,
		AmountCents: 100,
		Category:    domain.CashCategoryInitial,
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestCloseShiftReconciliation(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "REC-1", 100)
	shift := openShift(t, s, "casher1", 10000)

	_, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 5}})
	require.NoError(t, err)

	_, err = s.AddCashTransaction(ctx, domain.CashTransaction{
		ShiftID:     shift.ID,
		Direction:   domain.CashDirectionOut,
		AmountCents: 2000,
		Category:    domain.CashCategoryWithdrawal,
	})
	require.NoError(t, err)

	// 10000 start + 5000 cash sales - 2000 out = 13000 expected.
	closed, err := s.CloseShift(ctx, shift.ID, 13000, "end of day", shift.OpenedAt.Add(1))
	require.NoError(t, err)
	assert.Equal(t, int64(13000), closed.ExpectedCashCents)
	assert.Equal(t, int64(0), closed.DifferenceCents)
	assert.Equal(t, domain.ShiftClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
}

func TestCloseShiftIgnoresVoidedAndCardSales(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "REC-2", 100)
	shift := openShift(t, s, "casher1", 0)

	cashSale, err := s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 2}})
	require.NoError(t, err)

	_, err = s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCard,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 3}})
	require.NoError(t, err)

	_, err = s.VoidSale(ctx, cashSale.ID, "mistake", "admin", cashSale.CreatedAt.Add(1))
	require.NoError(t, err)

	closed, err := s.CloseShift(ctx, shift.ID, 0, "", shift.OpenedAt.Add(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), closed.ExpectedCashCents)
	assert.Equal(t, int64(0), closed.DifferenceCents)
}

func TestClosedShiftIsFrozen(t *testing.T) {
	s := New()
	ctx := context.Background()
	shift := openShift(t, s, "casher1", 0)

	_, err := s.CloseShift(ctx, shift.ID, 0, "", shift.OpenedAt.Add(1))
	require.NoError(t, err)

	_, err = s.CloseShift(ctx, shift.ID, 0, "", shift.OpenedAt.Add(2))
	require.ErrorIs(t, err, store.ErrShiftNotOpen)

	_, err = s.AddCashTransaction(ctx, domain.CashTransaction{
		ShiftID:     shift.ID,
		Direction:   domain.CashDirectionIn,
		AmountCents: 100,
		Category:    domain.CashCategoryDeposit,
	})
	require.ErrorIs(t, err, store.ErrShiftNotOpen)

	_, err = s.GetActiveShiftByUser(ctx, "casher1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSaleRejectedAfterShiftClose(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "CLS-1", 5)
	shift := openShift(t, s, "casher1", 1000)

	_, err := s.CloseShift(ctx, shift.ID, 1000, "", shift.OpenedAt.Add(1))
	require.NoError(t, err)

	// The status is checked inside the sale's atomic unit, so a sale racing
	// the close lands on the closed shift and is rejected outright.
	_, err = s.CreateSale(ctx, domain.Sale{
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}})
	require.ErrorIs(t, err, store.ErrShiftNotOpen)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)

	sales, err := s.ListSales(ctx, shift.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, sales)

	_, err = s.CreateSale(ctx, domain.Sale{
		ShiftID:       "shift-missing",
		PaymentMethod: domain.PaymentCash,
		ActingUser:    "casher1",
	}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStockCountScopeResolution(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.StartStockCount(ctx, domain.StockCount{UserID: "admin"}, domain.StockCountStartRequest{
		Type:     domain.CountTypeCategory,
		Category: "no-such-category",
	})
	require.ErrorIs(t, err, store.ErrEmptyScope)

	count, err := s.StartStockCount(ctx, domain.StockCount{UserID: "admin"}, domain.StockCountStartRequest{
		Type:     domain.CountTypeCategory,
		Category: "beverage",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CountInProgress, count.Status)
	require.Len(t, count.Items, 2)
	for _, item := range count.Items {
		assert.False(t, item.Counted)
	}
}

func TestStockCountCompleteAppliesCorrections(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "CNT-1", 40)

	count, err := s.StartStockCount(ctx, domain.StockCount{UserID: "admin"}, domain.StockCountStartRequest{
		Type:       domain.CountTypePartial,
		ProductIDs: []string{product.ID},
	})
	require.NoError(t, err)
	require.Len(t, count.Items, 1)
	assert.Equal(t, 40, count.Items[0].SystemQty)

	item, err := s.UpdateCountItem(ctx, count.ID, count.Items[0].ID, 35)
	require.NoError(t, err)
	assert.Equal(t, -5, item.Difference)
	assert.True(t, item.Counted)

	result, err := s.CompleteStockCount(ctx, count.ID, true, "admin", count.StartedAt.Add(1))
	require.NoError(t, err)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Applied, 1)
	assert.Equal(t, domain.MovementOut, result.Applied[0].Direction)
	assert.Equal(t, 5, result.Applied[0].Quantity)
	assert.Equal(t, domain.RefStockCount, result.Applied[0].ReferenceType)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 35, got.Quantity)
}

func TestUpdateCountItemIsRepeatable(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "CNT-R1", 40)

	count, err := s.StartStockCount(ctx, domain.StockCount{UserID: "admin"}, domain.StockCountStartRequest{
		Type:       domain.CountTypePartial,
		ProductIDs: []string{product.ID},
	})
	require.NoError(t, err)
	require.Len(t, count.Items, 1)
	itemID := count.Items[0].ID

	first, err := s.UpdateCountItem(ctx, count.ID, itemID, 35)
	require.NoError(t, err)
	assert.Equal(t, -5, first.Difference)

	// Submitting the same count again changes nothing.
	second, err := s.UpdateCountItem(ctx, count.ID, itemID, 35)
	require.NoError(t, err)
	assert.Equal(t, 35, second.CountedQty)
	assert.Equal(t, -5, second.Difference)
	assert.True(t, second.Counted)

	// A re-count replaces the previous value instead of accumulating.
	third, err := s.UpdateCountItem(ctx, count.ID, itemID, 42)
	require.NoError(t, err)
	assert.Equal(t, 42, third.CountedQty)
	assert.Equal(t, 2, third.Difference)

	got, err := s.GetStockCount(ctx, count.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, 42, got.Items[0].CountedQty)
	assert.Equal(t, 2, got.Items[0].Difference)
}

func TestStockCountCorrectsAgainstLiveQuantity(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "CNT-2", 40)

	count, err := s.StartStockCount(ctx, domain.StockCount{UserID: "admin"}, domain.StockCountStartRequest{
		Type:       domain.CountTypePartial,
		ProductIDs: []string{product.ID},
	})
	require.NoError(t, err)

	_, err = s.UpdateCountItem(ctx, count.ID, count.Items[0].ID, 35)
	require.NoError(t, err)

	// Stock moves while the count is in progress.
	_, err = s.ApplyMovement(ctx, domain.MovementRequest{
		ProductID:     product.ID,
		Direction:     domain.MovementOut,
		Quantity:      10,
		ReferenceType: domain.RefAdjustment,
	})
	require.NoError(t, err)

	result, err := s.CompleteStockCount(ctx, count.ID, true, "admin", count.StartedAt.Add(1))
	require.NoError(t, err)
	require.Len(t, result.Applied, 1)

	// The product lands exactly on the counted quantity and the movement
	// chain stays consistent: 30 live + 5 in = 35.
	assert.Equal(t, domain.MovementIn, result.Applied[0].Direction)
	assert.Equal(t, 5, result.Applied[0].Quantity)
	assert.Equal(t, 30, result.Applied[0].PreviousQuantity)
	assert.Equal(t, 35, result.Applied[0].NewQuantity)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 35, got.Quantity)
}

func TestStockCountLifecycleGuards(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "CNT-3", 10)

	count, err := s.StartStockCount(ctx, domain.StockCount{UserID: "admin"}, domain.StockCountStartRequest{
		Type:       domain.CountTypePartial,
		ProductIDs: []string{product.ID},
	})
	require.NoError(t, err)

	cancelled, err := s.CancelStockCount(ctx, count.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CountCancelled, cancelled.Status)

	_, err = s.UpdateCountItem(ctx, count.ID, count.Items[0].ID, 5)
	require.ErrorIs(t, err, store.ErrCountNotInProgress)

	_, err = s.CompleteStockCount(ctx, count.ID, true, "admin", count.StartedAt.Add(1))
	require.ErrorIs(t, err, store.ErrCountNotInProgress)

	// A cancelled count never touched stock.
	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)
}

func TestDebtPaymentAllocatesOldestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Budi"})
	require.NoError(t, err)

	amounts := []int64{1000, 2000, 1500}
	debtIDs := make([]string, 0, len(amounts))
	for _, amount := range amounts {
		debt, err := s.AddDebt(ctx, domain.CustomerDebt{CustomerID: customer.ID, AmountCents: amount})
		require.NoError(t, err)
		debtIDs = append(debtIDs, debt.ID)
	}

	allocation, err := s.RecordDebtPayment(ctx, customer.ID, 2500, domain.PaymentCash, "", "admin")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), allocation.AppliedCents)
	assert.Equal(t, int64(2000), allocation.RemainingBalanceCents)
	require.Len(t, allocation.Payments, 2)
	assert.Equal(t, debtIDs[0], allocation.Payments[0].DebtID)
	assert.Equal(t, int64(1000), allocation.Payments[0].AmountCents)
	assert.Equal(t, debtIDs[1], allocation.Payments[1].DebtID)
	assert.Equal(t, int64(1500), allocation.Payments[1].AmountCents)

	debts, err := s.ListDebts(ctx, customer.ID)
	require.NoError(t, err)
	require.Len(t, debts, 3)
	assert.Equal(t, domain.DebtPaid, debts[0].Status)
	assert.Equal(t, domain.DebtPartial, debts[1].Status)
	assert.Equal(t, domain.DebtOpen, debts[2].Status)
}

func TestDebtPaymentCannotExceedBalance(t *testing.T) {
	s := New()
	ctx := context.Background()

	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Citra"})
	require.NoError(t, err)
	_, err = s.AddDebt(ctx, domain.CustomerDebt{CustomerID: customer.ID, AmountCents: 1000})
	require.NoError(t, err)

	_, err = s.RecordDebtPayment(ctx, customer.ID, 1001, domain.PaymentCash, "", "admin")
	require.ErrorIs(t, err, store.ErrPaymentExceedsDebt)

	got, err := s.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.DebtBalanceCents)
}

func TestDebtPaymentDetectsBalanceDrift(t *testing.T) {
	s := New()
	ctx := context.Background()

	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Dewi"})
	require.NoError(t, err)
	_, err = s.AddDebt(ctx, domain.CustomerDebt{CustomerID: customer.ID, AmountCents: 1000})
	require.NoError(t, err)

	// Force the aggregate out of sync with the rows; the allocator must
	// refuse rather than record a partial allocation.
	s.mu.Lock()
	drifted := s.customers[customer.ID]
	drifted.DebtBalanceCents = 3000
	s.customers[customer.ID] = drifted
	s.mu.Unlock()

	_, err = s.RecordDebtPayment(ctx, customer.ID, 2500, domain.PaymentCash, "", "admin")
	require.ErrorIs(t, err, store.ErrConflict)

	payments, err := s.ListDebtPayments(ctx, customer.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)

	debts, err := s.ListDebts(ctx, customer.ID)
	require.NoError(t, err)
	require.Len(t, debts, 1)
	assert.Equal(t, int64(0), debts[0].PaidAmountCents)
}

func TestDeleteDebtGuards(t *testing.T) {
	s := New()
	ctx := context.Background()

	customer, err := s.CreateCustomer(ctx, domain.Customer{Name: "Eka"})
	require.NoError(t, err)
	debt, err := s.AddDebt(ctx, domain.CustomerDebt{CustomerID: customer.ID, AmountCents: 1000})
	require.NoError(t, err)

	_, err = s.RecordDebtPayment(ctx, customer.ID, 100, domain.PaymentCash, "", "admin")
	require.NoError(t, err)

	err = s.DeleteDebt(ctx, debt.ID)
	require.ErrorIs(t, err, store.ErrImmutableRecord)

	fresh, err := s.AddDebt(ctx, domain.CustomerDebt{CustomerID: customer.ID, AmountCents: 500})
	require.NoError(t, err)
	require.NoError(t, s.DeleteDebt(ctx, fresh.ID))

	got, err := s.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.DebtBalanceCents)
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	s := New()
	ctx := context.Background()
	product := newProduct(t, s, "CONC-1", 10)
	first := openShift(t, s, "casher1", 0)
	second := openShift(t, s, "casher2", 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	shifts := []string{first.ID, second.ID}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CreateSale(ctx, domain.Sale{
				ShiftID:       shifts[i],
				PaymentMethod: domain.PaymentCash,
				ActingUser:    "casher",
			}, []domain.SaleLineInput{{ProductID: product.ID, Quantity: 6}})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, store.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Quantity)
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
)

type fakeSummaryCache struct {
	mu      sync.Mutex
	entries map[string]*domain.CustomerSummary
	sets    int
	hits    int
}

func newFakeSummaryCache() *fakeSummaryCache {
	return &fakeSummaryCache{entries: make(map[string]*domain.CustomerSummary)}
}

func (c *fakeSummaryCache) Get(_ context.Context, key string) (*domain.CustomerSummary, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return summary, ok, nil
}

func (c *fakeSummaryCache) Set(_ context.Context, key string, value *domain.CustomerSummary, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.sets++
	return nil
}

func (c *fakeSummaryCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func newTestService() (*Service, *memory.Store) {
	repo := memory.New()
	svc := New(repo, newFakeSummaryCache(), "test-branch", zerolog.Nop())
	return svc, repo
}

func actorCtx(username, role string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: role})
}

func TestCreateProductRoutesInitialStockThroughLedger(t *testing.T) {
	svc, _ := newTestService()
	ctx := actorCtx("admin", "admin")

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU:          "NEW-1",
		Name:         "New item",
		PriceCents:   1200,
		InitialStock: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, product.Quantity)

	movements, err := svc.ListMovements(ctx, product.ID, 10)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, domain.RefPurchase, movements[0].ReferenceType)
	assert.Equal(t, 0, movements[0].PreviousQuantity)
	assert.Equal(t, 15, movements[0].NewQuantity)
	assert.Equal(t, "admin", movements[0].ActingUser)
}

func TestApplyMovementRejectsReservedReferences(t *testing.T) {
	svc, _ := newTestService()
	ctx := actorCtx("admin", "admin")

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "RES-1", Name: "Reserved", PriceCents: 100, InitialStock: 5,
	})
	require.NoError(t, err)

	for _, ref := range []string{domain.RefSale, domain.RefSaleReversal, domain.RefStockCount} {
		_, err := svc.ApplyMovement(ctx, domain.MovementRequest{
			ProductID:     product.ID,
			Direction:     domain.MovementOut,
			Quantity:      1,
			ReferenceType: ref,
		})
		require.ErrorIs(t, err, store.ErrInvalidInput)
	}

	// Blank defaults to a plain adjustment.
	movement, err := svc.ApplyMovement(ctx, domain.MovementRequest{
		ProductID: product.ID,
		Direction: domain.MovementOut,
		Quantity:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefAdjustment, movement.ReferenceType)
}

func TestCreateSaleRequiresOpenShift(t *testing.T) {
	svc, _ := newTestService()
	ctx := actorCtx("casher1", "cashier")

	product, err := svc.CreateProduct(actorCtx("admin", "admin"), domain.ProductCreateRequest{
		SKU: "SH-1", Name: "Shifted", PriceCents: 100, InitialStock: 5,
	})
	require.NoError(t, err)

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		Lines:         []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	require.ErrorIs(t, err, store.ErrShiftNotOpen)

	_, err = svc.OpenShift(ctx, domain.ShiftOpenRequest{StartCashCents: 1000})
	require.NoError(t, err)

	sale, err := svc.CreateSale(ctx, domain.SaleCreateRequest{
		Lines:         []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)
	assert.Equal(t, "casher1", sale.ActingUser)
	assert.Equal(t, "test-branch", sale.BranchID)
}

func TestVoidSaleRequiresReason(t *testing.T) {
	svc, _ := newTestService()
	adminCtx := actorCtx("admin", "admin")

	product, err := svc.CreateProduct(adminCtx, domain.ProductCreateRequest{
		SKU: "VR-1", Name: "Voidable", PriceCents: 100, InitialStock: 5,
	})
	require.NoError(t, err)
	_, err = svc.OpenShift(adminCtx, domain.ShiftOpenRequest{})
	require.NoError(t, err)
	sale, err := svc.CreateSale(adminCtx, domain.SaleCreateRequest{
		Lines:         []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)

	_, err = svc.VoidSale(adminCtx, sale.ID, "   ")
	require.ErrorIs(t, err, store.ErrInvalidInput)

	voided, err := svc.VoidSale(adminCtx, sale.ID, "wrong item rung up")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleVoided, voided.Status)
}

func TestShiftReportReconciliation(t *testing.T) {
	svc, _ := newTestService()
	ctx := actorCtx("casher1", "cashier")

	product, err := svc.CreateProduct(actorCtx("admin", "admin"), domain.ProductCreateRequest{
		SKU: "RPT-1", Name: "Reported", PriceCents: 2500, InitialStock: 20,
	})
	require.NoError(t, err)

	shift, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{StartCashCents: 10000})
	require.NoError(t, err)

	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		Lines:         []domain.SaleLineInput{{ProductID: product.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)
	_, err = svc.CreateSale(ctx, domain.SaleCreateRequest{
		Lines:         []domain.SaleLineInput{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCard,
	})
	require.NoError(t, err)

	_, err = svc.AddCashTransaction(ctx, shift.ID, domain.CashTransactionRequest{
		Direction:   domain.CashDirectionIn,
		AmountCents: 1500,
		Category:    domain.CashCategoryDeposit,
	})
	require.NoError(t, err)
	_, err = svc.AddCashTransaction(ctx, shift.ID, domain.CashTransactionRequest{
		Direction:   domain.CashDirectionOut,
		AmountCents: 700,
		Category:    domain.CashCategoryWithdrawal,
	})
	require.NoError(t, err)

	report, err := svc.GetShiftReport(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.SaleCount)
	assert.Equal(t, int64(5000), report.CashFromSalesCents)
	assert.Equal(t, int64(1500), report.CashInCents)
	assert.Equal(t, int64(700), report.CashOutCents)
	// INITIAL float is in the transaction list but not in cash-in.
	require.Len(t, report.CashTransactions, 3)

	closed, err := svc.CloseShift(ctx, shift.ID, domain.ShiftCloseRequest{CountedCashCents: 15800})
	require.NoError(t, err)
	assert.Equal(t, int64(15800), closed.ExpectedCashCents)
	assert.Equal(t, int64(0), closed.DifferenceCents)
}

func TestCustomerSummaryUsesCache(t *testing.T) {
	repo := memory.New()
	summaries := newFakeSummaryCache()
	svc := New(repo, summaries, "test-branch", zerolog.Nop())
	ctx := actorCtx("admin", "admin")

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Fajar"})
	require.NoError(t, err)
	_, err = svc.AddDebt(ctx, domain.DebtCreateRequest{CustomerID: customer.ID, AmountCents: 3000})
	require.NoError(t, err)

	first, err := svc.CustomerSummary(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.OpenDebts)
	assert.Equal(t, int64(3000), first.TotalOwed)
	assert.Equal(t, 1, summaries.sets)

	_, err = svc.CustomerSummary(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summaries.hits)
	assert.Equal(t, 1, summaries.sets)

	// A payment invalidates, so the next read recomputes.
	_, err = svc.RecordPayment(ctx, customer.ID, domain.PaymentRequest{AmountCents: 3000})
	require.NoError(t, err)

	after, err := svc.CustomerSummary(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.OpenDebts)
	assert.Equal(t, 1, after.PaidDebts)
	assert.Equal(t, int64(0), after.TotalOwed)
	assert.Equal(t, int64(3000), after.TotalPaid)
	assert.Equal(t, 2, summaries.sets)
}

func TestDebtDueDateParsing(t *testing.T) {
	svc, _ := newTestService()
	ctx := actorCtx("admin", "admin")

	customer, err := svc.CreateCustomer(ctx, domain.CustomerCreateRequest{Name: "Gita"})
	require.NoError(t, err)

	_, err = svc.AddDebt(ctx, domain.DebtCreateRequest{
		CustomerID:  customer.ID,
		AmountCents: 1000,
		DueDate:     "not-a-date",
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	debt, err := svc.AddDebt(ctx, domain.DebtCreateRequest{
		CustomerID:  customer.ID,
		AmountCents: 1000,
		DueDate:     "2026-09-15",
	})
	require.NoError(t, err)
	require.NotNil(t, debt.DueDate)
	assert.Equal(t, 15, debt.DueDate.Day())
}

func TestAuditTrailRecordsActor(t *testing.T) {
	svc, _ := newTestService()
	ctx := actorCtx("admin", "admin")

	_, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "AUD-1", Name: "Audited", PriceCents: 100,
	})
	require.NoError(t, err)

	logs, err := svc.ListAuditLogs(ctx, time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "product.create", logs[0].Action)
	assert.Equal(t, "admin", logs[0].ActorUsername)
	assert.Equal(t, "test-branch", logs[0].BranchID)
}

func TestStockCountServiceFlow(t *testing.T) {
	svc, _ := newTestService()
	ctx := actorCtx("admin", "admin")

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU: "SCF-1", Name: "Counted", PriceCents: 100, InitialStock: 12,
	})
	require.NoError(t, err)

	count, err := svc.StartCount(ctx, domain.StockCountStartRequest{
		Type:       domain.CountTypePartial,
		ProductIDs: []string{product.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "admin", count.UserID)

	_, err = svc.UpdateCountItem(ctx, count.ID, count.Items[0].ID, domain.CountItemUpdateRequest{CountedQty: 9})
	require.NoError(t, err)

	result, err := svc.CompleteCount(ctx, count.ID, domain.StockCountCompleteRequest{ApplyChanges: true})
	require.NoError(t, err)
	assert.Equal(t, domain.CountCompleted, result.Count.Status)
	require.Len(t, result.Applied, 1)

	got, err := svc.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Quantity)
}

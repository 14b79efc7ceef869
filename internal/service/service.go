package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

type actorContextKey struct{}

// WithActor attaches the authenticated actor to the context. The HTTP layer
// sets it after token verification; everything below reads it.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor
}

const summaryCacheTTL = 5 * time.Minute

type Service struct {
	repo      store.Repository
	summaries cache.SummaryCache
	branchID  string
	logger    zerolog.Logger
	now       func() time.Time
}

func New(repo store.Repository, summaries cache.SummaryCache, branchID string, logger zerolog.Logger) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	return &Service{
		repo:      repo,
		summaries: summaries,
		branchID:  branchID,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// logAudit records who did what. Audit failures never fail the operation
// itself, they are logged and dropped.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		BranchID:      s.branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("entity_id", entityID).Msg("audit log write failed")
	}
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	req.SKU = strings.TrimSpace(req.SKU)
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrInvalidInput)
	}
	if req.PriceCents < 1 {
		return nil, fmt.Errorf("%w: price must be positive", store.ErrInvalidInput)
	}
	if req.InitialStock < 0 || req.MinStock < 0 {
		return nil, fmt.Errorf("%w: stock levels cannot be negative", store.ErrInvalidInput)
	}

	// Initial stock arrives through the ledger, inside the same atomic unit
	// as the insert, so the movement history fully reconstructs the quantity
	// from zero and the product never exists without its opening entry.
	actor := ActorFromContext(ctx)
	product, err := s.repo.CreateProduct(ctx, domain.Product{
		SKU:            req.SKU,
		Name:           req.Name,
		Category:       strings.TrimSpace(req.Category),
		PriceCents:     req.PriceCents,
		TaxRatePercent: req.TaxRatePercent,
		MinStock:       req.MinStock,
	}, req.InitialStock, actor.Username)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "product.create", "product", product.ID, product.SKU)
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// ApplyMovement handles operator-initiated stock changes. Sale, reversal and
// count movements are issued by their own flows and cannot be forged here.
func (s *Service) ApplyMovement(ctx context.Context, req domain.MovementRequest) (*domain.StockMovement, error) {
	switch req.ReferenceType {
	case domain.RefPurchase, domain.RefAdjustment:
	case "":
		req.ReferenceType = domain.RefAdjustment
	default:
		return nil, fmt.Errorf("%w: reference type %s is not operator-assignable", store.ErrInvalidInput, req.ReferenceType)
	}

	actor := ActorFromContext(ctx)
	req.ActingUser = actor.Username

	movement, err := s.repo.ApplyMovement(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock.move", "product", req.ProductID,
		fmt.Sprintf("%s %d (%s)", req.Direction, req.Quantity, req.ReferenceType))
	return movement, nil
}

func (s *Service) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListMovements(ctx, productID, limit)
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.Sale, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: sale needs at least one line", store.ErrInvalidInput)
	}

	actor := ActorFromContext(ctx)
	shift, err := s.repo.GetActiveShiftByUser(ctx, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrShiftNotOpen
		}
		return nil, err
	}

	sale, err := s.repo.CreateSale(ctx, domain.Sale{
		BranchID:       s.branchID,
		ShiftID:        shift.ID,
		CustomerID:     strings.TrimSpace(req.CustomerID),
		PaymentMethod:  req.PaymentMethod,
		CashSplitCents: req.CashSplitCents,
		CardSplitCents: req.CardSplitCents,
		DiscountCents:  req.DiscountCents,
		ActingUser:     actor.Username,
	}, req.Lines)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "sale.create", "sale", sale.ID, fmt.Sprintf("total %d %s", sale.TotalCents, sale.PaymentMethod))
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, shiftID string, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, shiftID, limit)
}

func (s *Service) VoidSale(ctx context.Context, id string, reason string) (*domain.Sale, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: void reason is required", store.ErrInvalidInput)
	}

	actor := ActorFromContext(ctx)
	sale, err := s.repo.VoidSale(ctx, id, reason, actor.Username, s.now())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale.void", "sale", id, reason)
	return sale, nil
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (*domain.Shift, error) {
	if req.StartCashCents < 0 {
		return nil, fmt.Errorf("%w: start cash cannot be negative", store.ErrInvalidInput)
	}

	actor := ActorFromContext(ctx)
	if actor.Username == "" {
		return nil, store.ErrInvalidInput
	}
	shift, err := s.repo.CreateShift(ctx, domain.Shift{
		BranchID:       s.branchID,
		UserID:         actor.Username,
		StartCashCents: req.StartCashCents,
		OpenedAt:       s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift.open", "shift", shift.ID, fmt.Sprintf("start cash %d", shift.StartCashCents))
	return shift, nil
}

func (s *Service) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return s.repo.GetShift(ctx, id)
}

func (s *Service) GetActiveShift(ctx context.Context) (*domain.Shift, error) {
	actor := ActorFromContext(ctx)
	return s.repo.GetActiveShiftByUser(ctx, actor.Username)
}

func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (*domain.Shift, error) {
	if req.CountedCashCents < 0 {
		return nil, fmt.Errorf("%w: counted cash cannot be negative", store.ErrInvalidInput)
	}

	shift, err := s.repo.CloseShift(ctx, shiftID, req.CountedCashCents, req.Notes, s.now())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift.close", "shift", shiftID,
		fmt.Sprintf("expected %d counted %d difference %d", shift.ExpectedCashCents, shift.ActualCashCents, shift.DifferenceCents))
	return shift, nil
}

func (s *Service) AddCashTransaction(ctx context.Context, shiftID string, req domain.CashTransactionRequest) (*domain.CashTransaction, error) {
	actor := ActorFromContext(ctx)
	cashTx, err := s.repo.AddCashTransaction(ctx, domain.CashTransaction{
		ShiftID:     shiftID,
		Direction:   req.Direction,
		AmountCents: req.AmountCents,
		Category:    req.Category,
		Note:        req.Note,
		ActingUser:  actor.Username,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "cash.add", "cash_transaction", cashTx.ID,
		fmt.Sprintf("%s %d %s", cashTx.Direction, cashTx.AmountCents, cashTx.Category))
	return cashTx, nil
}

func (s *Service) DeleteCashTransaction(ctx context.Context, shiftID string, txID string) error {
	if err := s.repo.DeleteCashTransaction(ctx, shiftID, txID); err != nil {
		return err
	}
	s.logAudit(ctx, "cash.delete", "cash_transaction", txID, "")
	return nil
}

func (s *Service) ListCashTransactions(ctx context.Context, shiftID string) ([]domain.CashTransaction, error) {
	return s.repo.ListCashTransactions(ctx, shiftID)
}

// GetShiftReport assembles the reconciliation view of one shift from the
// stored primitives. Cash from sales goes through Sale.CashPortion.
func (s *Service) GetShiftReport(ctx context.Context, shiftID string) (*domain.ShiftReport, error) {
	shift, err := s.repo.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx, shiftID, 0)
	if err != nil {
		return nil, err
	}
	cashTxs, err := s.repo.ListCashTransactions(ctx, shiftID)
	if err != nil {
		return nil, err
	}

	report := domain.ShiftReport{
		Shift:            *shift,
		Sales:            sales,
		CashTransactions: cashTxs,
	}
	for _, sale := range sales {
		if sale.Status == domain.SaleVoided {
			continue
		}
		report.SaleCount++
		report.CashFromSalesCents += sale.CashPortion()
	}
	for _, cashTx := range cashTxs {
		switch cashTx.Direction {
		case domain.CashDirectionIn:
			if cashTx.Category != domain.CashCategoryInitial {
				report.CashInCents += cashTx.AmountCents
			}
		case domain.CashDirectionOut:
			report.CashOutCents += cashTx.AmountCents
		}
	}
	return &report, nil
}

func (s *Service) StartCount(ctx context.Context, req domain.StockCountStartRequest) (*domain.StockCount, error) {
	actor := ActorFromContext(ctx)
	count, err := s.repo.StartStockCount(ctx, domain.StockCount{
		BranchID:  s.branchID,
		UserID:    actor.Username,
		StartedAt: s.now(),
	}, req)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "count.start", "stock_count", count.ID, fmt.Sprintf("%s, %d items", count.Type, len(count.Items)))
	return count, nil
}

func (s *Service) GetCount(ctx context.Context, id string) (*domain.StockCount, error) {
	return s.repo.GetStockCount(ctx, id)
}

func (s *Service) UpdateCountItem(ctx context.Context, countID string, itemID string, req domain.CountItemUpdateRequest) (*domain.StockCountItem, error) {
	return s.repo.UpdateCountItem(ctx, countID, itemID, req.CountedQty)
}

func (s *Service) CompleteCount(ctx context.Context, countID string, req domain.StockCountCompleteRequest) (*domain.StockCountResult, error) {
	actor := ActorFromContext(ctx)
	result, err := s.repo.CompleteStockCount(ctx, countID, req.ApplyChanges, actor.Username, s.now())
	if err != nil {
		return nil, err
	}
	if len(result.Failures) > 0 {
		s.logger.Warn().Str("count_id", countID).Int("failed_items", len(result.Failures)).
			Msg("stock count completed with unapplied items")
	}
	s.logAudit(ctx, "count.complete", "stock_count", countID,
		fmt.Sprintf("applied %d, failed %d", len(result.Applied), len(result.Failures)))
	return result, nil
}

func (s *Service) CancelCount(ctx context.Context, countID string) (*domain.StockCount, error) {
	count, err := s.repo.CancelStockCount(ctx, countID)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "count.cancel", "stock_count", countID, "")
	return count, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (*domain.Customer, error) {
	customer, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:  req.Name,
		Phone: req.Phone,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "customer.create", "customer", customer.ID, customer.Name)
	return customer, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) AddDebt(ctx context.Context, req domain.DebtCreateRequest) (*domain.CustomerDebt, error) {
	if req.AmountCents < 1 {
		return nil, fmt.Errorf("%w: debt amount must be positive", store.ErrInvalidInput)
	}

	var dueDate *time.Time
	if strings.TrimSpace(req.DueDate) != "" {
		parsed, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			return nil, fmt.Errorf("%w: due date must be YYYY-MM-DD", store.ErrInvalidInput)
		}
		parsed = parsed.UTC()
		dueDate = &parsed
	}

	debt, err := s.repo.AddDebt(ctx, domain.CustomerDebt{
		CustomerID:  req.CustomerID,
		SaleID:      strings.TrimSpace(req.SaleID),
		AmountCents: req.AmountCents,
		Description: req.Description,
		DueDate:     dueDate,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, req.CustomerID)
	s.logAudit(ctx, "debt.add", "customer_debt", debt.ID, fmt.Sprintf("amount %d", debt.AmountCents))
	return debt, nil
}

func (s *Service) DeleteDebt(ctx context.Context, customerID string, debtID string) error {
	if err := s.repo.DeleteDebt(ctx, debtID); err != nil {
		return err
	}
	s.invalidateSummary(ctx, customerID)
	s.logAudit(ctx, "debt.delete", "customer_debt", debtID, "")
	return nil
}

func (s *Service) ListDebts(ctx context.Context, customerID string) ([]domain.CustomerDebt, error) {
	return s.repo.ListDebts(ctx, customerID)
}

func (s *Service) RecordPayment(ctx context.Context, customerID string, req domain.PaymentRequest) (*domain.PaymentAllocation, error) {
	if req.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidInput)
	}
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = domain.PaymentCash
	}

	actor := ActorFromContext(ctx)
	allocation, err := s.repo.RecordDebtPayment(ctx, customerID, req.AmountCents, method, req.Note, actor.Username)
	if err != nil {
		return nil, err
	}

	s.invalidateSummary(ctx, customerID)
	s.logAudit(ctx, "debt.pay", "customer", customerID,
		fmt.Sprintf("applied %d across %d debts", allocation.AppliedCents, len(allocation.Payments)))
	return allocation, nil
}

func (s *Service) ListPayments(ctx context.Context, customerID string) ([]domain.DebtPayment, error) {
	return s.repo.ListDebtPayments(ctx, customerID)
}

// CustomerSummary serves the aggregate debt view, cached per customer. Debt
// mutations invalidate the key so the summary is never stale past the TTL.
func (s *Service) CustomerSummary(ctx context.Context, customerID string) (*domain.CustomerSummary, error) {
	key := summaryKey(customerID)
	if cached, ok, err := s.summaries.Get(ctx, key); err == nil && ok {
		return cached, nil
	} else if err != nil {
		s.logger.Warn().Err(err).Str("customer_id", customerID).Msg("summary cache read failed")
	}

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	debts, err := s.repo.ListDebts(ctx, customerID)
	if err != nil {
		return nil, err
	}

	summary := &domain.CustomerSummary{
		Customer:    *customer,
		GeneratedAt: s.now().Format(time.RFC3339),
	}
	for _, debt := range debts {
		summary.TotalPaid += debt.PaidAmountCents
		if debt.Status == domain.DebtPaid {
			summary.PaidDebts++
			continue
		}
		summary.OpenDebts++
		summary.TotalOwed += debt.AmountCents - debt.PaidAmountCents
	}

	if err := s.summaries.Set(ctx, key, summary, summaryCacheTTL); err != nil {
		s.logger.Warn().Err(err).Str("customer_id", customerID).Msg("summary cache write failed")
	}
	return summary, nil
}

func (s *Service) invalidateSummary(ctx context.Context, customerID string) {
	if err := s.summaries.Invalidate(ctx, summaryKey(customerID)); err != nil {
		s.logger.Warn().Err(err).Str("customer_id", customerID).Msg("summary cache invalidation failed")
	}
}

func summaryKey(customerID string) string {
	return "customer-summary:" + customerID
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if to.IsZero() {
		to = s.now().Add(time.Minute)
	}
	return s.repo.ListAuditLogs(ctx, s.branchID, from, to, limit)
}

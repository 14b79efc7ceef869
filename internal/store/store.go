package store

import (
	"context"
	"errors"
	"time"

	"ledgerpos/backend/internal/domain"
)

// Error taxonomy shared by every Repository implementation. Callers branch on
// these with errors.Is; the http layer maps them to status codes.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrShiftAlreadyOpen   = errors.New("shift already open")
	ErrShiftNotOpen       = errors.New("shift not open")
	ErrCountNotInProgress = errors.New("stock count not in progress")
	ErrEmptyScope         = errors.New("empty count scope")
	ErrPaymentExceedsDebt = errors.New("payment exceeds outstanding debt")
	ErrImmutableRecord    = errors.New("immutable record")

	// ErrConflict means the atomic unit could not commit due to contention.
	// Retrying from scratch (re-read, recompute, re-attempt) is always safe.
	ErrConflict = errors.New("concurrency conflict")
)

// Repository is the single write path to the ledger and its aggregates. Every
// multi-step mutation listed here commits or fails as one atomic unit; no
// observer ever sees a partial result. The one documented exception is
// CompleteStockCount with applyChanges, which applies items independently.
type Repository interface {
	// CreateProduct inserts the product and, when initialStock > 0, the seed
	// PURCHASE movement in the same atomic unit; the product never exists
	// without its opening ledger entry.
	CreateProduct(ctx context.Context, product domain.Product, initialStock int, actingUser string) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	ApplyMovement(ctx context.Context, req domain.MovementRequest) (*domain.StockMovement, error)
	ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)

	CreateSale(ctx context.Context, sale domain.Sale, lines []domain.SaleLineInput) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, shiftID string, limit int) ([]domain.Sale, error)
	VoidSale(ctx context.Context, id string, reason string, actingUser string, at time.Time) (*domain.Sale, error)

	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetActiveShiftByUser(ctx context.Context, userID string) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, countedCashCents int64, notes string, closedAt time.Time) (*domain.Shift, error)
	AddCashTransaction(ctx context.Context, tx domain.CashTransaction) (*domain.CashTransaction, error)
	DeleteCashTransaction(ctx context.Context, shiftID string, txID string) error
	ListCashTransactions(ctx context.Context, shiftID string) ([]domain.CashTransaction, error)

	StartStockCount(ctx context.Context, count domain.StockCount, req domain.StockCountStartRequest) (*domain.StockCount, error)
	GetStockCount(ctx context.Context, id string) (*domain.StockCount, error)
	UpdateCountItem(ctx context.Context, countID string, itemID string, countedQty int) (*domain.StockCountItem, error)
	CompleteStockCount(ctx context.Context, countID string, applyChanges bool, actingUser string, completedAt time.Time) (*domain.StockCountResult, error)
	CancelStockCount(ctx context.Context, countID string) (*domain.StockCount, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	AddDebt(ctx context.Context, debt domain.CustomerDebt) (*domain.CustomerDebt, error)
	DeleteDebt(ctx context.Context, debtID string) error
	ListDebts(ctx context.Context, customerID string) ([]domain.CustomerDebt, error)
	RecordDebtPayment(ctx context.Context, customerID string, amountCents int64, method string, note string, actingUser string) (*domain.PaymentAllocation, error)
	ListDebtPayments(ctx context.Context, customerID string) ([]domain.DebtPayment, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

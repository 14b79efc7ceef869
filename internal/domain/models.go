package domain

import "time"

// Actor identifies the authenticated user acting on a request. Every ledger
// entry records the acting user; the engine never authenticates by itself.
type Actor struct {
	Username string
	Role     string
}

type Product struct {
	ID             string    `json:"id"`
	SKU            string    `json:"sku"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	PriceCents     int64     `json:"price_cents"`
	TaxRatePercent float64   `json:"tax_rate_percent"`
	Quantity       int       `json:"quantity"`
	MinStock       int       `json:"min_stock"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU            string  `json:"sku"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	PriceCents     int64   `json:"price_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
	MinStock       int     `json:"min_stock"`
	InitialStock   int     `json:"initial_stock"`
}

// StockMovement is the append-only record of a stock quantity change.
// PreviousQuantity and NewQuantity are snapshotted at write time so the
// product's current quantity is reconstructible by replaying its movements.
type StockMovement struct {
	ID               string    `json:"id"`
	ProductID        string    `json:"product_id"`
	Direction        string    `json:"direction"`
	Quantity         int       `json:"quantity"`
	PreviousQuantity int       `json:"previous_quantity"`
	NewQuantity      int       `json:"new_quantity"`
	ReferenceType    string    `json:"reference_type"`
	ReferenceID      string    `json:"reference_id,omitempty"`
	Note             string    `json:"note,omitempty"`
	ActingUser       string    `json:"acting_user"`
	CreatedAt        time.Time `json:"created_at"`
}

type MovementRequest struct {
	ProductID     string `json:"product_id"`
	Direction     string `json:"direction"`
	Quantity      int    `json:"quantity"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Note          string `json:"note,omitempty"`
	ActingUser    string `json:"acting_user,omitempty"`
}

type SaleLine struct {
	ProductID      string  `json:"product_id"`
	Quantity       int     `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
	LineTotalCents int64   `json:"line_total_cents"`
}

type SaleLineInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleCreateRequest struct {
	Lines          []SaleLineInput `json:"lines"`
	PaymentMethod  string          `json:"payment_method"`
	CashSplitCents int64           `json:"cash_split_cents,omitempty"`
	CardSplitCents int64           `json:"card_split_cents,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	DiscountCents  int64           `json:"discount_cents"`
	Note           string          `json:"note,omitempty"`
}

type Sale struct {
	ID             string     `json:"id"`
	BranchID       string     `json:"branch_id"`
	ShiftID        string     `json:"shift_id"`
	CustomerID     string     `json:"customer_id,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	CashSplitCents int64      `json:"cash_split_cents"`
	CardSplitCents int64      `json:"card_split_cents"`
	SubtotalCents  int64      `json:"subtotal_cents"`
	DiscountCents  int64      `json:"discount_cents"`
	TaxCents       int64      `json:"tax_cents"`
	TotalCents     int64      `json:"total_cents"`
	Status         string     `json:"status"`
	VoidReason     string     `json:"void_reason,omitempty"`
	VoidedAt       *time.Time `json:"voided_at,omitempty"`
	ActingUser     string     `json:"acting_user"`
	CreatedAt      time.Time  `json:"created_at"`
	Lines          []SaleLine `json:"lines"`
}

// CashPortion returns the part of the sale settled in cash. This is the single
// accessor for the mixed-payment split; shift close and reporting must not
// re-derive it from the raw fields.
func (s Sale) CashPortion() int64 {
	switch s.PaymentMethod {
	case PaymentCash:
		return s.TotalCents
	case PaymentMixed:
		return s.CashSplitCents
	default:
		return 0
	}
}

type ShiftStatus string

const (
	ShiftOpen   ShiftStatus = "OPEN"
	ShiftClosed ShiftStatus = "CLOSED"
)

// CanTransition reports whether the shift lifecycle permits moving to the
// given status. CLOSED is terminal.
func (s ShiftStatus) CanTransition(to ShiftStatus) bool {
	return s == ShiftOpen && to == ShiftClosed
}

type Shift struct {
	ID                string      `json:"id"`
	BranchID          string      `json:"branch_id"`
	UserID            string      `json:"user_id"`
	Status            ShiftStatus `json:"status"`
	StartCashCents    int64       `json:"start_cash_cents"`
	ExpectedCashCents int64       `json:"expected_cash_cents"`
	ActualCashCents   int64       `json:"actual_cash_cents"`
	DifferenceCents   int64       `json:"difference_cents"`
	Notes             string      `json:"notes,omitempty"`
	OpenedAt          time.Time   `json:"opened_at"`
	ClosedAt          *time.Time  `json:"closed_at,omitempty"`
}

type ShiftOpenRequest struct {
	StartCashCents int64 `json:"start_cash_cents"`
}

type ShiftCloseRequest struct {
	CountedCashCents int64  `json:"counted_cash_cents"`
	Notes            string `json:"notes,omitempty"`
}

type ShiftReport struct {
	Shift              Shift             `json:"shift"`
	CashFromSalesCents int64             `json:"cash_from_sales_cents"`
	CashInCents        int64             `json:"cash_in_cents"`
	CashOutCents       int64             `json:"cash_out_cents"`
	SaleCount          int               `json:"sale_count"`
	Sales              []Sale            `json:"sales"`
	CashTransactions   []CashTransaction `json:"cash_transactions"`
}

type CashTransaction struct {
	ID          string    `json:"id"`
	ShiftID     string    `json:"shift_id"`
	Direction   string    `json:"direction"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category"`
	Note        string    `json:"note,omitempty"`
	ActingUser  string    `json:"acting_user"`
	CreatedAt   time.Time `json:"created_at"`
}

type CashTransactionRequest struct {
	Direction   string `json:"direction"`
	AmountCents int64  `json:"amount_cents"`
	Category    string `json:"category"`
	Note        string `json:"note,omitempty"`
}

type CountStatus string

const (
	CountInProgress CountStatus = "IN_PROGRESS"
	CountCompleted  CountStatus = "COMPLETED"
	CountCancelled  CountStatus = "CANCELLED"
)

// CanTransition reports whether the count lifecycle permits moving to the
// given status. COMPLETED and CANCELLED are both terminal.
func (s CountStatus) CanTransition(to CountStatus) bool {
	return s == CountInProgress && (to == CountCompleted || to == CountCancelled)
}

type StockCount struct {
	ID          string           `json:"id"`
	BranchID    string           `json:"branch_id"`
	Type        string           `json:"type"`
	Status      CountStatus      `json:"status"`
	Category    string           `json:"category,omitempty"`
	UserID      string           `json:"user_id"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Items       []StockCountItem `json:"items"`
}

// StockCountItem freezes a product's system quantity when the count starts.
// Difference is recomputed on every counted-quantity update.
type StockCountItem struct {
	ID         string `json:"id"`
	CountID    string `json:"count_id"`
	ProductID  string `json:"product_id"`
	SystemQty  int    `json:"system_qty"`
	CountedQty int    `json:"counted_qty"`
	Difference int    `json:"difference"`
	Counted    bool   `json:"counted"`
}

type StockCountStartRequest struct {
	Type       string   `json:"type"`
	Category   string   `json:"category,omitempty"`
	ProductIDs []string `json:"product_ids,omitempty"`
}

type CountItemUpdateRequest struct {
	CountedQty int `json:"counted_qty"`
}

type StockCountCompleteRequest struct {
	ApplyChanges bool `json:"apply_changes"`
}

type CountApplyFailure struct {
	ProductID string `json:"product_id"`
	Reason    string `json:"reason"`
}

// StockCountResult reports what a completion actually did. Item application is
// deliberately partial-tolerant: failed items are listed, not rolled back.
type StockCountResult struct {
	Count    StockCount          `json:"count"`
	Applied  []StockMovement     `json:"applied"`
	Failures []CountApplyFailure `json:"failures,omitempty"`
}

type Customer struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Phone            string    `json:"phone,omitempty"`
	DebtBalanceCents int64     `json:"debt_balance_cents"`
	CreatedAt        time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type CustomerSummary struct {
	Customer    Customer `json:"customer"`
	OpenDebts   int      `json:"open_debts"`
	PaidDebts   int      `json:"paid_debts"`
	TotalOwed   int64    `json:"total_owed_cents"`
	TotalPaid   int64    `json:"total_paid_cents"`
	GeneratedAt string   `json:"generated_at"`
}

type CustomerDebt struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	SaleID          string     `json:"sale_id,omitempty"`
	AmountCents     int64      `json:"amount_cents"`
	PaidAmountCents int64      `json:"paid_amount_cents"`
	Status          string     `json:"status"`
	Description     string     `json:"description,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type DebtCreateRequest struct {
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty"`
	SaleID      string `json:"sale_id,omitempty"`
}

type DebtPayment struct {
	ID            string    `json:"id"`
	DebtID        string    `json:"debt_id"`
	CustomerID    string    `json:"customer_id"`
	AmountCents   int64     `json:"amount_cents"`
	PaymentMethod string    `json:"payment_method"`
	Note          string    `json:"note,omitempty"`
	ActingUser    string    `json:"acting_user"`
	CreatedAt     time.Time `json:"created_at"`
}

type PaymentRequest struct {
	AmountCents   int64  `json:"amount_cents"`
	PaymentMethod string `json:"payment_method"`
	Note          string `json:"note,omitempty"`
}

// PaymentAllocation is the result of allocating one incoming payment across a
// customer's open debts, oldest first.
type PaymentAllocation struct {
	CustomerID            string        `json:"customer_id"`
	AppliedCents          int64         `json:"applied_cents"`
	RemainingBalanceCents int64         `json:"remaining_balance_cents"`
	Payments              []DebtPayment `json:"payments"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	MovementIn  = "IN"
	MovementOut = "OUT"
)

const (
	RefSale         = "SALE"
	RefSaleReversal = "SALE_REVERSAL"
	RefPurchase     = "PURCHASE"
	RefStockCount   = "STOCK_COUNT"
	RefAdjustment   = "ADJUSTMENT"
)

const (
	PaymentCash  = "CASH"
	PaymentCard  = "CARD"
	PaymentMixed = "MIXED"
)

const (
	SaleCompleted = "COMPLETED"
	SaleVoided    = "VOIDED"
)

const (
	CashDirectionIn  = "IN"
	CashDirectionOut = "OUT"
)

const (
	CashCategoryInitial    = "INITIAL"
	CashCategoryDeposit    = "DEPOSIT"
	CashCategoryWithdrawal = "WITHDRAWAL"
	CashCategoryOther      = "OTHER"
)

const (
	CountTypeFull     = "FULL"
	CountTypeCategory = "CATEGORY"
	CountTypeLowStock = "LOW_STOCK"
	CountTypePartial  = "PARTIAL"
)

const (
	DebtOpen    = "OPEN"
	DebtPartial = "PARTIAL"
	DebtPaid    = "PAID"
)

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialStock int, actingUser string) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.TaxRatePercent < 0 || product.TaxRatePercent > 100 || initialStock < 0 || product.MinStock < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true
	product.Quantity = 0

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, price_cents, tax_rate_percent, quantity, min_stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,now())
	`, product.ID, product.SKU, product.Name, product.Category, product.PriceCents, product.TaxRatePercent,
		product.MinStock, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	// Initial stock arrives through the ledger in the same transaction as the
	// insert, so the product never exists without its opening movement.
	if initialStock > 0 {
		movement, err := applyMovementLocked(ctx, tx, domain.MovementRequest{
			ProductID:     product.ID,
			Direction:     domain.MovementIn,
			Quantity:      initialStock,
			ReferenceType: domain.RefPurchase,
			Note:          "initial stock",
			ActingUser:    actingUser,
		}, product.CreatedAt)
		if err != nil {
			return nil, mapConcurrencyErr(err)
		}
		product.Quantity = movement.NewQuantity
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, category, price_cents, tax_rate_percent, quantity, min_stock, active, created_at, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.TaxRatePercent, &p.Quantity, &p.MinStock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, category, price_cents, tax_rate_percent, quantity, min_stock, active, created_at, updated_at
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.TaxRatePercent, &p.Quantity, &p.MinStock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// applyMovementLocked locks the product row, checks the non-negativity
// invariant and writes the quantity update together with its movement record.
// It must run inside the caller's transaction so no observer ever sees one
// without the other.
func applyMovementLocked(ctx context.Context, tx *sql.Tx, req domain.MovementRequest, at time.Time) (*domain.StockMovement, error) {
	if req.ProductID == "" || req.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if req.Direction != domain.MovementIn && req.Direction != domain.MovementOut {
		return nil, store.ErrInvalidInput
	}

	var prev int
	err := tx.QueryRowContext(ctx, `
		SELECT quantity
		FROM products
		WHERE id = $1 AND active = true
		FOR UPDATE
	`, req.ProductID).Scan(&prev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	newQty := prev + req.Quantity
	if req.Direction == domain.MovementOut {
		if prev < req.Quantity {
			return nil, store.ErrInsufficientStock
		}
		newQty = prev - req.Quantity
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE products
		SET quantity = $2, updated_at = now()
		WHERE id = $1 AND quantity = $3
	`, req.ProductID, newQty, prev)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrConflict
	}

	movement := domain.StockMovement{
		ID:               xid.New("mov"),
		ProductID:        req.ProductID,
		Direction:        req.Direction,
		Quantity:         req.Quantity,
		PreviousQuantity: prev,
		NewQuantity:      newQty,
		ReferenceType:    req.ReferenceType,
		ReferenceID:      req.ReferenceID,
		Note:             req.Note,
		ActingUser:       req.ActingUser,
		CreatedAt:        at,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			id, product_id, direction, quantity, previous_quantity, new_quantity,
			reference_type, reference_id, note, acting_user, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, movement.ID, movement.ProductID, movement.Direction, movement.Quantity, movement.PreviousQuantity,
		movement.NewQuantity, movement.ReferenceType, nullIfEmpty(movement.ReferenceID),
		strings.TrimSpace(movement.Note), movement.ActingUser, movement.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) ApplyMovement(ctx context.Context, req domain.MovementRequest) (*domain.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	movement, err := applyMovementLocked(ctx, tx, req, time.Now().UTC())
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return movement, nil
}

func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, direction, quantity, previous_quantity, new_quantity,
			reference_type, COALESCE(reference_id,''), note, acting_user, created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Direction, &m.Quantity, &m.PreviousQuantity, &m.NewQuantity,
			&m.ReferenceType, &m.ReferenceID, &m.Note, &m.ActingUser, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, lines []domain.SaleLineInput) (*domain.Sale, error) {
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
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleCompleted

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The shift row is locked for the duration of the sale so a concurrent
	// close cannot slip in between the status check and the commit.
	var shiftStatus domain.ShiftStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM shifts WHERE id = $1 FOR UPDATE
	`, sale.ShiftID).Scan(&shiftStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shiftStatus != domain.ShiftOpen {
		return nil, store.ErrShiftNotOpen
	}

	subtotal := int64(0)
	taxCents := int64(0)
	saleLines := make([]domain.SaleLine, 0, len(lines))

	// Line movements are applied in list order; any failure rolls back the
	// whole sale, partial sales are never committed.
	for _, line := range lines {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}

		var priceCents int64
		var taxRate float64
		err := tx.QueryRowContext(ctx, `
			SELECT price_cents, tax_rate_percent
			FROM products
			WHERE id = $1 AND active = true
		`, line.ProductID).Scan(&priceCents, &taxRate)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s unavailable", store.ErrInvalidInput, line.ProductID)
			}
			return nil, err
		}

		if _, err := applyMovementLocked(ctx, tx, domain.MovementRequest{
			ProductID:     line.ProductID,
			Direction:     domain.MovementOut,
			Quantity:      line.Quantity,
			ReferenceType: domain.RefSale,
			ReferenceID:   sale.ID,
			ActingUser:    sale.ActingUser,
		}, sale.CreatedAt); err != nil {
			return nil, mapConcurrencyErr(err)
		}

		lineTotal := priceCents * int64(line.Quantity)
		subtotal += lineTotal
		taxCents += int64(math.Round(float64(lineTotal) * taxRate / 100))
		saleLines = append(saleLines, domain.SaleLine{
			ProductID:      line.ProductID,
			Quantity:       line.Quantity,
			UnitPriceCents: priceCents,
			TaxRatePercent: taxRate,
			LineTotalCents: lineTotal,
		})
	}

	if sale.DiscountCents > subtotal {
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
			return nil, store.ErrInvalidInput
		}
	}

	sale.SubtotalCents = subtotal
	sale.TaxCents = taxCents
	sale.TotalCents = total
	sale.Lines = saleLines

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, branch_id, shift_id, customer_id, payment_method, cash_split_cents, card_split_cents,
			subtotal_cents, discount_cents, tax_cents, total_cents, status, void_reason, voided_at,
			acting_user, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULL,NULL,$13,$14)
	`, sale.ID, sale.BranchID, sale.ShiftID, nullIfEmpty(sale.CustomerID), sale.PaymentMethod,
		sale.CashSplitCents, sale.CardSplitCents, sale.SubtotalCents, sale.DiscountCents,
		sale.TaxCents, sale.TotalCents, sale.Status, sale.ActingUser, sale.CreatedAt)
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}

	for _, line := range sale.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price_cents, tax_rate_percent, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, sale.ID, line.ProductID, line.Quantity, line.UnitPriceCents, line.TaxRatePercent, line.LineTotalCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID sql.NullString
	var voidReason sql.NullString
	var voidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, shift_id, customer_id, payment_method, cash_split_cents, card_split_cents,
			subtotal_cents, discount_cents, tax_cents, total_cents, status, void_reason, voided_at,
			acting_user, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(
		&sale.ID, &sale.BranchID, &sale.ShiftID, &customerID, &sale.PaymentMethod,
		&sale.CashSplitCents, &sale.CardSplitCents, &sale.SubtotalCents, &sale.DiscountCents,
		&sale.TaxCents, &sale.TotalCents, &sale.Status, &voidReason, &voidedAt,
		&sale.ActingUser, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if voidReason.Valid {
		sale.VoidReason = voidReason.String
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := s.loadSaleLines(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (s *Store) loadSaleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price_cents, tax_rate_percent, line_total_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPriceCents, &line.TaxRatePercent, &line.LineTotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, shiftID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, shift_id, COALESCE(customer_id,''), payment_method, cash_split_cents,
			card_split_cents, subtotal_cents, discount_cents, tax_cents, total_cents, status,
			COALESCE(void_reason,''), voided_at, acting_user, created_at
		FROM sales
		WHERE ($1 = '' OR shift_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, shiftID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var voidedAt sql.NullTime
		if err := rows.Scan(&sale.ID, &sale.BranchID, &sale.ShiftID, &sale.CustomerID, &sale.PaymentMethod,
			&sale.CashSplitCents, &sale.CardSplitCents, &sale.SubtotalCents, &sale.DiscountCents,
			&sale.TaxCents, &sale.TotalCents, &sale.Status, &sale.VoidReason, &voidedAt,
			&sale.ActingUser, &sale.CreatedAt); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		if voidedAt.Valid {
			at := voidedAt.Time.UTC()
			sale.VoidedAt = &at
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, id string, reason string, actingUser string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.SaleCompleted {
		return nil, store.ErrImmutableRecord
	}

	// A sale with a downstream debt attached must stay; voiding it would orphan
	// the receivable.
	var debtCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM customer_debts WHERE sale_id = $1
	`, id).Scan(&debtCount)
	if err != nil {
		return nil, err
	}
	if debtCount > 0 {
		return nil, store.ErrImmutableRecord
	}

	lineRows, err := tx.QueryContext(ctx, `
		SELECT product_id, quantity
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	type lineRef struct {
		productID string
		qty       int
	}
	refs := make([]lineRef, 0, 8)
	for lineRows.Next() {
		var ref lineRef
		if err := lineRows.Scan(&ref.productID, &ref.qty); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	// History stays intact: the void issues inverse movements, it never deletes
	// the original ones.
	for _, ref := range refs {
		if _, err := applyMovementLocked(ctx, tx, domain.MovementRequest{
			ProductID:     ref.productID,
			Direction:     domain.MovementIn,
			Quantity:      ref.qty,
			ReferenceType: domain.RefSaleReversal,
			ReferenceID:   id,
			Note:          reason,
			ActingUser:    actingUser,
		}, at); err != nil {
			return nil, mapConcurrencyErr(err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, id, domain.SaleVoided, reason, at, domain.SaleCompleted)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return s.GetSale(ctx, id)
}

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.UserID == "" || shift.StartCashCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftOpen
	shift.ClosedAt = nil

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The partial unique index on (user_id) WHERE status = 'OPEN' enforces the
	// one-open-shift-per-user rule under concurrency.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shifts (
			id, branch_id, user_id, status, start_cash_cents, expected_cash_cents,
			actual_cash_cents, difference_cents, notes, opened_at, closed_at
		)
		VALUES ($1,$2,$3,$4,$5,0,0,0,'',$6,NULL)
	`, shift.ID, shift.BranchID, shift.UserID, shift.Status, shift.StartCashCents, shift.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrShiftAlreadyOpen
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, shift_id, direction, amount_cents, category, note, acting_user, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, xid.New("cash"), shift.ID, domain.CashDirectionIn, shift.StartCashCents,
		domain.CashCategoryInitial, "opening float", shift.UserID, shift.OpenedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	saved := shift
	return &saved, nil
}

func (s *Store) scanShiftRow(row *sql.Row) (*domain.Shift, error) {
	var shift domain.Shift
	var closedAt sql.NullTime
	err := row.Scan(&shift.ID, &shift.BranchID, &shift.UserID, &shift.Status, &shift.StartCashCents,
		&shift.ExpectedCashCents, &shift.ActualCashCents, &shift.DifferenceCents, &shift.Notes,
		&shift.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.OpenedAt = shift.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		shift.ClosedAt = &at
	}
	return &shift, nil
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	return s.scanShiftRow(s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, user_id, status, start_cash_cents, expected_cash_cents,
			actual_cash_cents, difference_cents, notes, opened_at, closed_at
		FROM shifts
		WHERE id = $1
	`, id))
}

func (s *Store) GetActiveShiftByUser(ctx context.Context, userID string) (*domain.Shift, error) {
	return s.scanShiftRow(s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, user_id, status, start_cash_cents, expected_cash_cents,
			actual_cash_cents, difference_cents, notes, opened_at, closed_at
		FROM shifts
		WHERE user_id = $1 AND status = $2
		ORDER BY opened_at DESC
		LIMIT 1
	`, userID, domain.ShiftOpen))
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, countedCashCents int64, notes string, closedAt time.Time) (*domain.Shift, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.ShiftStatus
	var startCash int64
	err = tx.QueryRowContext(ctx, `
		SELECT status, start_cash_cents
		FROM shifts
		WHERE id = $1
		FOR UPDATE
	`, shiftID).Scan(&status, &startCash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !status.CanTransition(domain.ShiftClosed) {
		return nil, store.ErrShiftNotOpen
	}

	// Cash from sales goes through the shared accessor; the SQL only loads the
	// raw fields.
	saleRows, err := tx.QueryContext(ctx, `
		SELECT payment_method, cash_split_cents, total_cents
		FROM sales
		WHERE shift_id = $1 AND status <> $2
	`, shiftID, domain.SaleVoided)
	if err != nil {
		return nil, err
	}
	cashFromSales := int64(0)
	for saleRows.Next() {
		var sale domain.Sale
		if err := saleRows.Scan(&sale.PaymentMethod, &sale.CashSplitCents, &sale.TotalCents); err != nil {
			_ = saleRows.Close()
			return nil, err
		}
		cashFromSales += sale.CashPortion()
	}
	if err := saleRows.Err(); err != nil {
		_ = saleRows.Close()
		return nil, err
	}
	_ = saleRows.Close()

	// The INITIAL transaction mirrors start_cash, which is already its own term
	// in the expected-cash formula, so it is excluded here.
	var cashIn, cashOut int64
	err = tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = $2 AND category <> $4 THEN amount_cents ELSE 0 END),0)::bigint,
			COALESCE(SUM(CASE WHEN direction = $3 THEN amount_cents ELSE 0 END),0)::bigint
		FROM cash_transactions
		WHERE shift_id = $1
	`, shiftID, domain.CashDirectionIn, domain.CashDirectionOut, domain.CashCategoryInitial).Scan(&cashIn, &cashOut)
	if err != nil {
		return nil, err
	}

	expected := startCash + cashFromSales + cashIn - cashOut
	difference := countedCashCents - expected

	res, err := tx.ExecContext(ctx, `
		UPDATE shifts
		SET status = $2, expected_cash_cents = $3, actual_cash_cents = $4,
			difference_cents = $5, notes = $6, closed_at = $7
		WHERE id = $1 AND status = $8
	`, shiftID, domain.ShiftClosed, expected, countedCashCents, difference, strings.TrimSpace(notes), closedAt, domain.ShiftOpen)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return s.GetShift(ctx, shiftID)
}

func (s *Store) AddCashTransaction(ctx context.Context, cashTx domain.CashTransaction) (*domain.CashTransaction, error) {
	if cashTx.ShiftID == "" || cashTx.AmountCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if cashTx.Direction != domain.CashDirectionIn && cashTx.Direction != domain.CashDirectionOut {
		return nil, store.ErrInvalidInput
	}
	switch cashTx.Category {
	case domain.CashCategoryDeposit, domain.CashCategoryWithdrawal, domain.CashCategoryOther:
	case domain.CashCategoryInitial:
		// Write-once: only shift open creates the INITIAL transaction.
		return nil, store.ErrInvalidInput
	default:
		return nil, store.ErrInvalidInput
	}
	if cashTx.ID == "" {
		cashTx.ID = xid.New("cash")
	}
	if cashTx.CreatedAt.IsZero() {
		cashTx.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.ShiftStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM shifts WHERE id = $1 FOR UPDATE
	`, cashTx.ShiftID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.ShiftOpen {
		return nil, store.ErrShiftNotOpen
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, shift_id, direction, amount_cents, category, note, acting_user, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, cashTx.ID, cashTx.ShiftID, cashTx.Direction, cashTx.AmountCents, cashTx.Category,
		strings.TrimSpace(cashTx.Note), cashTx.ActingUser, cashTx.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	saved := cashTx
	return &saved, nil
}

func (s *Store) DeleteCashTransaction(ctx context.Context, shiftID string, txID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.ShiftStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM shifts WHERE id = $1 FOR UPDATE
	`, shiftID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if status != domain.ShiftOpen {
		return store.ErrShiftNotOpen
	}

	var category string
	err = tx.QueryRowContext(ctx, `
		SELECT category FROM cash_transactions WHERE id = $1 AND shift_id = $2 FOR UPDATE
	`, txID, shiftID).Scan(&category)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if category == domain.CashCategoryInitial {
		return store.ErrImmutableRecord
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cash_transactions WHERE id = $1`, txID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapConcurrencyErr(err)
	}
	return nil
}

func (s *Store) ListCashTransactions(ctx context.Context, shiftID string) ([]domain.CashTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, direction, amount_cents, category, note, acting_user, created_at
		FROM cash_transactions
		WHERE shift_id = $1
		ORDER BY created_at ASC, id ASC
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.CashTransaction, 0, 16)
	for rows.Next() {
		var cashTx domain.CashTransaction
		if err := rows.Scan(&cashTx.ID, &cashTx.ShiftID, &cashTx.Direction, &cashTx.AmountCents,
			&cashTx.Category, &cashTx.Note, &cashTx.ActingUser, &cashTx.CreatedAt); err != nil {
			return nil, err
		}
		cashTx.CreatedAt = cashTx.CreatedAt.UTC()
		result = append(result, cashTx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) StartStockCount(ctx context.Context, count domain.StockCount, req domain.StockCountStartRequest) (*domain.StockCount, error) {
	if count.ID == "" {
		count.ID = xid.New("count")
	}
	if count.StartedAt.IsZero() {
		count.StartedAt = time.Now().UTC()
	}
	count.Status = domain.CountInProgress

	query := `
		SELECT id, quantity
		FROM products
		WHERE active = true
	`
	args := []any{}
	switch req.Type {
	case domain.CountTypeFull:
	case domain.CountTypeCategory:
		if strings.TrimSpace(req.Category) == "" {
			return nil, store.ErrInvalidInput
		}
		query += ` AND category = $1`
		args = append(args, strings.TrimSpace(req.Category))
	case domain.CountTypeLowStock:
		query += ` AND quantity <= min_stock`
	case domain.CountTypePartial:
		if len(req.ProductIDs) == 0 {
			return nil, store.ErrInvalidInput
		}
		query += ` AND id = ANY($1)`
		args = append(args, req.ProductIDs)
	default:
		return nil, store.ErrInvalidInput
	}
	query += ` ORDER BY sku ASC`

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	type scoped struct {
		id  string
		qty int
	}
	scope := make([]scoped, 0, 64)
	for rows.Next() {
		var p scoped
		if err := rows.Scan(&p.id, &p.qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		scope = append(scope, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(scope) == 0 {
		return nil, store.ErrEmptyScope
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_counts (id, branch_id, type, status, category, user_id, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULL)
	`, count.ID, count.BranchID, req.Type, count.Status, strings.TrimSpace(req.Category), count.UserID, count.StartedAt)
	if err != nil {
		return nil, err
	}

	// The product scope is frozen here; system quantities never change for the
	// lifetime of the count even as live stock moves.
	items := make([]domain.StockCountItem, 0, len(scope))
	for position, p := range scope {
		item := domain.StockCountItem{
			ID:        xid.New("item"),
			CountID:   count.ID,
			ProductID: p.id,
			SystemQty: p.qty,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_count_items (id, count_id, product_id, system_qty, counted_qty, difference, counted, position)
			VALUES ($1,$2,$3,$4,0,$5,false,$6)
		`, item.ID, item.CountID, item.ProductID, item.SystemQty, -item.SystemQty, position)
		if err != nil {
			return nil, err
		}
		item.Difference = -item.SystemQty
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}

	count.Type = req.Type
	count.Category = strings.TrimSpace(req.Category)
	count.Items = items
	saved := count
	return &saved, nil
}

func (s *Store) GetStockCount(ctx context.Context, id string) (*domain.StockCount, error) {
	var count domain.StockCount
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, type, status, category, user_id, started_at, completed_at
		FROM stock_counts
		WHERE id = $1
	`, id).Scan(&count.ID, &count.BranchID, &count.Type, &count.Status, &count.Category,
		&count.UserID, &count.StartedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	count.StartedAt = count.StartedAt.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		count.CompletedAt = &at
	}

	items, err := s.loadCountItems(ctx, count.ID)
	if err != nil {
		return nil, err
	}
	count.Items = items
	return &count, nil
}

func (s *Store) loadCountItems(ctx context.Context, countID string) ([]domain.StockCountItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, count_id, product_id, system_qty, counted_qty, difference, counted
		FROM stock_count_items
		WHERE count_id = $1
		ORDER BY position ASC
	`, countID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockCountItem, 0, 64)
	for rows.Next() {
		var item domain.StockCountItem
		if err := rows.Scan(&item.ID, &item.CountID, &item.ProductID, &item.SystemQty,
			&item.CountedQty, &item.Difference, &item.Counted); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateCountItem(ctx context.Context, countID string, itemID string, countedQty int) (*domain.StockCountItem, error) {
	if countedQty < 0 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.CountStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM stock_counts WHERE id = $1 FOR UPDATE
	`, countID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.CountInProgress {
		return nil, store.ErrCountNotInProgress
	}

	var item domain.StockCountItem
	err = tx.QueryRowContext(ctx, `
		UPDATE stock_count_items
		SET counted_qty = $3, difference = $3 - system_qty, counted = true
		WHERE id = $2 AND count_id = $1
		RETURNING id, count_id, product_id, system_qty, counted_qty, difference, counted
	`, countID, itemID, countedQty).Scan(&item.ID, &item.CountID, &item.ProductID, &item.SystemQty,
		&item.CountedQty, &item.Difference, &item.Counted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return &item, nil
}

func (s *Store) CompleteStockCount(ctx context.Context, countID string, applyChanges bool, actingUser string, completedAt time.Time) (*domain.StockCountResult, error) {
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.CountStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM stock_counts WHERE id = $1 FOR UPDATE
	`, countID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !status.CanTransition(domain.CountCompleted) {
		return nil, store.ErrCountNotInProgress
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE stock_counts SET status = $2, completed_at = $3 WHERE id = $1
	`, countID, domain.CountCompleted, completedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}

	count, err := s.GetStockCount(ctx, countID)
	if err != nil {
		return nil, err
	}
	result := &domain.StockCountResult{Count: *count}
	if !applyChanges {
		return result, nil
	}

	// Each item is applied in its own transaction: counts are corrective, so a
	// failure on one product must not block the rest.
	for _, item := range count.Items {
		if item.Difference == 0 && item.CountedQty == item.SystemQty {
			continue
		}
		movement, err := s.applyCountItem(ctx, item, countID, actingUser, completedAt)
		if err != nil {
			result.Failures = append(result.Failures, domain.CountApplyFailure{
				ProductID: item.ProductID,
				Reason:    err.Error(),
			})
			continue
		}
		if movement != nil {
			result.Applied = append(result.Applied, *movement)
		}
	}
	return result, nil
}

// applyCountItem sets the product quantity to the counted value through the
// ledger. The correcting movement is computed against the live quantity at
// apply time so the movement invariant (new = prev ± qty) holds even when
// stock moved while the count was in progress.
func (s *Store) applyCountItem(ctx context.Context, item domain.StockCountItem, countID string, actingUser string, at time.Time) (*domain.StockMovement, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	err = tx.QueryRowContext(ctx, `
		SELECT quantity FROM products WHERE id = $1 AND active = true FOR UPDATE
	`, item.ProductID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	delta := item.CountedQty - current
	if delta == 0 {
		return nil, tx.Commit()
	}
	direction := domain.MovementIn
	if delta < 0 {
		direction = domain.MovementOut
		delta = -delta
	}

	movement, err := applyMovementLocked(ctx, tx, domain.MovementRequest{
		ProductID:     item.ProductID,
		Direction:     direction,
		Quantity:      delta,
		ReferenceType: domain.RefStockCount,
		ReferenceID:   countID,
		ActingUser:    actingUser,
	}, at)
	if err != nil {
		return nil, mapConcurrencyErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return movement, nil
}

func (s *Store) CancelStockCount(ctx context.Context, countID string) (*domain.StockCount, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.CountStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM stock_counts WHERE id = $1 FOR UPDATE
	`, countID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !status.CanTransition(domain.CountCancelled) {
		return nil, store.ErrCountNotInProgress
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE stock_counts SET status = $2, completed_at = $3 WHERE id = $1
	`, countID, domain.CountCancelled, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	return s.GetStockCount(ctx, countID)
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, debt_balance_cents, created_at)
		VALUES ($1,$2,$3,0,$4)
	`, customer.ID, customer.Name, nullIfEmpty(strings.TrimSpace(customer.Phone)), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	saved := customer
	return &saved, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone,''), debt_balance_cents, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.DebtBalanceCents, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) AddDebt(ctx context.Context, debt domain.CustomerDebt) (*domain.CustomerDebt, error) {
	if debt.CustomerID == "" || debt.AmountCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if debt.ID == "" {
		debt.ID = xid.New("debt")
	}
	if debt.CreatedAt.IsZero() {
		debt.CreatedAt = time.Now().UTC()
	}
	debt.PaidAmountCents = 0
	debt.Status = domain.DebtOpen

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var customerID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM customers WHERE id = $1 FOR UPDATE
	`, debt.CustomerID).Scan(&customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customer_debts (id, customer_id, sale_id, amount_cents, paid_amount_cents, status, description, due_date, created_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8)
	`, debt.ID, debt.CustomerID, nullIfEmpty(debt.SaleID), debt.AmountCents, debt.Status,
		strings.TrimSpace(debt.Description), nullTime(debt.DueDate), debt.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET debt_balance_cents = debt_balance_cents + $2 WHERE id = $1
	`, debt.CustomerID, debt.AmountCents)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}
	saved := debt
	return &saved, nil
}

func (s *Store) DeleteDebt(ctx context.Context, debtID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var customerID string
	var amount, paid int64
	err = tx.QueryRowContext(ctx, `
		SELECT customer_id, amount_cents, paid_amount_cents
		FROM customer_debts
		WHERE id = $1
		FOR UPDATE
	`, debtID).Scan(&customerID, &amount, &paid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if paid != 0 {
		return store.ErrImmutableRecord
	}

	var lockedCustomer string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM customers WHERE id = $1 FOR UPDATE
	`, customerID).Scan(&lockedCustomer)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM customer_debts WHERE id = $1`, debtID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET debt_balance_cents = debt_balance_cents - $2 WHERE id = $1
	`, customerID, amount)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapConcurrencyErr(err)
	}
	return nil
}

func (s *Store) ListDebts(ctx context.Context, customerID string) ([]domain.CustomerDebt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, COALESCE(sale_id,''), amount_cents, paid_amount_cents, status, description, due_date, created_at
		FROM customer_debts
		WHERE customer_id = $1
		ORDER BY created_at ASC, id ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	debts := make([]domain.CustomerDebt, 0, 16)
	for rows.Next() {
		var debt domain.CustomerDebt
		var dueDate sql.NullTime
		if err := rows.Scan(&debt.ID, &debt.CustomerID, &debt.SaleID, &debt.AmountCents,
			&debt.PaidAmountCents, &debt.Status, &debt.Description, &dueDate, &debt.CreatedAt); err != nil {
			return nil, err
		}
		debt.CreatedAt = debt.CreatedAt.UTC()
		if dueDate.Valid {
			due := dueDate.Time.UTC()
			debt.DueDate = &due
		}
		debts = append(debts, debt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return debts, nil
}

func (s *Store) RecordDebtPayment(ctx context.Context, customerID string, amountCents int64, method string, note string, actingUser string) (*domain.PaymentAllocation, error) {
	if customerID == "" || amountCents < 1 {
		return nil, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT debt_balance_cents FROM customers WHERE id = $1 FOR UPDATE
	`, customerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if amountCents > balance {
		return nil, store.ErrPaymentExceedsDebt
	}

	// FIFO: oldest debts first, ties broken by id so allocation is
	// deterministic under identical timestamps.
	debtRows, err := tx.QueryContext(ctx, `
		SELECT id, amount_cents, paid_amount_cents
		FROM customer_debts
		WHERE customer_id = $1 AND status IN ($2, $3)
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, customerID, domain.DebtOpen, domain.DebtPartial)
	if err != nil {
		return nil, err
	}
	type openDebt struct {
		id     string
		amount int64
		paid   int64
	}
	debts := make([]openDebt, 0, 16)
	for debtRows.Next() {
		var d openDebt
		if err := debtRows.Scan(&d.id, &d.amount, &d.paid); err != nil {
			_ = debtRows.Close()
			return nil, err
		}
		debts = append(debts, d)
	}
	if err := debtRows.Err(); err != nil {
		_ = debtRows.Close()
		return nil, err
	}
	_ = debtRows.Close()

	now := time.Now().UTC()
	remaining := amountCents
	payments := make([]domain.DebtPayment, 0, len(debts))
	for _, debt := range debts {
		if remaining < 1 {
			break
		}
		outstanding := debt.amount - debt.paid
		if outstanding < 1 {
			continue
		}
		portion := remaining
		if portion > outstanding {
			portion = outstanding
		}

		payment := domain.DebtPayment{
			ID:            xid.New("pay"),
			DebtID:        debt.id,
			CustomerID:    customerID,
			AmountCents:   portion,
			PaymentMethod: method,
			Note:          strings.TrimSpace(note),
			ActingUser:    actingUser,
			CreatedAt:     now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO debt_payments (id, debt_id, customer_id, amount_cents, payment_method, note, acting_user, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, payment.ID, payment.DebtID, payment.CustomerID, payment.AmountCents, payment.PaymentMethod,
			payment.Note, payment.ActingUser, payment.CreatedAt)
		if err != nil {
			return nil, err
		}

		newPaid := debt.paid + portion
		status := domain.DebtPartial
		if newPaid >= debt.amount {
			status = domain.DebtPaid
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE customer_debts SET paid_amount_cents = $2, status = $3 WHERE id = $1
		`, debt.id, newPaid, status)
		if err != nil {
			return nil, err
		}

		remaining -= portion
		payments = append(payments, payment)
	}

	applied := amountCents - remaining
	if remaining > 0 {
		// Aggregate balance said the payment fits but the open debts could not
		// absorb it; the aggregates are out of step. Retry from scratch.
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET debt_balance_cents = debt_balance_cents - $2 WHERE id = $1
	`, customerID, applied)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapConcurrencyErr(err)
	}

	return &domain.PaymentAllocation{
		CustomerID:            customerID,
		AppliedCents:          applied,
		RemainingBalanceCents: balance - applied,
		Payments:              payments,
	}, nil
}

func (s *Store) ListDebtPayments(ctx context.Context, customerID string) ([]domain.DebtPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, debt_id, customer_id, amount_cents, payment_method, note, acting_user, created_at
		FROM debt_payments
		WHERE customer_id = $1
		ORDER BY created_at ASC, id ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.DebtPayment, 0, 16)
	for rows.Next() {
		var payment domain.DebtPayment
		if err := rows.Scan(&payment.ID, &payment.DebtID, &payment.CustomerID, &payment.AmountCents,
			&payment.PaymentMethod, &payment.Note, &payment.ActingUser, &payment.CreatedAt); err != nil {
			return nil, err
		}
		payment.CreatedAt = payment.CreatedAt.UTC()
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE branch_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapConcurrencyErr turns serialization failures and deadlocks into the
// retryable ErrConflict; everything else passes through untouched.
func mapConcurrencyErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return store.ErrConflict
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

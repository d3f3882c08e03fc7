package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// MySQL server error numbers for lock wait timeout and deadlock.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

var ErrLockConflict = errors.New("row lock conflict")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		product_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		product_name VARCHAR(255) NOT NULL UNIQUE,
		available_quantity INT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		reservation_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		product_id BIGINT NOT NULL,
		quantity INT NOT NULL,
		status ENUM('pending', 'completed', 'failed') NOT NULL DEFAULT 'pending',
		timestamp DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		CONSTRAINT fk_reservations_product FOREIGN KEY (product_id) REFERENCES products (product_id)
	)`,
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the products and reservations tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate schema")
		}
	}
	return nil
}

func (m *MySQLAdapter) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// WithinTx begins a transaction, passes it to fn and commits only if fn
// succeeds. The deferred rollback covers errors, panics and a cancelled ctx.
func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.ReservationTx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(classify(err), "begin tx")
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(classify(err), "commit tx")
	}
	return nil
}

func (m *MySQLAdapter) GetReservationStatus(ctx context.Context, reservationID int64) (domain.ReservationStatus, bool, error) {
	var raw string
	err := m.db.QueryRowContext(ctx, `
		SELECT status FROM reservations WHERE reservation_id = ?`, reservationID,
	).Scan(&raw)

	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(classify(err), "query reservation status")
	}

	status, err := domain.ParseReservationStatus(raw)
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	return getProduct(ctx, m.db, productID)
}

// UpsertProduct creates a product or resets the stock of an existing one with
// the same name and returns its ID.
func (m *MySQLAdapter) UpsertProduct(ctx context.Context, name string, quantity int) (int64, error) {
	result, err := m.db.ExecContext(ctx, `
		INSERT INTO products (product_name, available_quantity) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE available_quantity = VALUES(available_quantity),
			product_id = LAST_INSERT_ID(product_id)`,
		name, quantity,
	)
	if err != nil {
		return 0, errors.Wrap(err, "upsert product")
	}
	return result.LastInsertId()
}

type seedReservation struct {
	product  int
	quantity int
	status   domain.ReservationStatus
}

var (
	seedProducts = []domain.Product{
		{Name: "Dell XPS 15 Laptop", AvailableQuantity: 10},
		{Name: "iPhone 15 Pro", AvailableQuantity: 25},
		{Name: "Samsung Galaxy S24", AvailableQuantity: 15},
		{Name: "MacBook Pro M3", AvailableQuantity: 8},
		{Name: "Sony WH-1000XM5 Headphones", AvailableQuantity: 30},
		{Name: "iPad Air", AvailableQuantity: 12},
	}
	seedReservations = []seedReservation{
		{product: 0, quantity: 2, status: domain.ReservationStatusCompleted},
		{product: 1, quantity: 5, status: domain.ReservationStatusCompleted},
		{product: 2, quantity: 3, status: domain.ReservationStatusPending},
		{product: 3, quantity: 1, status: domain.ReservationStatusCompleted},
		{product: 4, quantity: 10, status: domain.ReservationStatusCompleted},
	}
)

// SeedDemoData fills an empty database with demo products and reservations in
// one transaction. It returns domain.ErrAlreadySeeded if any product exists.
func (m *MySQLAdapter) SeedDemoData(ctx context.Context) (products int, reservations int, err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(product_id) FROM products`).Scan(&count); err != nil {
		return 0, 0, errors.Wrap(err, "count products")
	}
	if count > 0 {
		return 0, 0, domain.ErrAlreadySeeded
	}

	ids := make([]int64, len(seedProducts))
	for i, p := range seedProducts {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO products (product_name, available_quantity) VALUES (?, ?)`,
			p.Name, p.AvailableQuantity,
		)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "insert product %q", p.Name)
		}
		if ids[i], err = result.LastInsertId(); err != nil {
			return 0, 0, errors.Wrap(err, "product id")
		}
	}

	now := time.Now().UTC()
	for _, r := range seedReservations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (product_id, quantity, status, timestamp) VALUES (?, ?, ?, ?)`,
			ids[r.product], r.quantity, r.status, now,
		)
		if err != nil {
			return 0, 0, errors.Wrap(err, "insert reservation")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, "commit tx")
	}
	return len(seedProducts), len(seedReservations), nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	return getProduct(ctx, t.tx, productID)
}

func (t *mysqlTx) LockAvailableQuantity(ctx context.Context, productID int64) (int, error) {
	var available int
	err := t.tx.QueryRowContext(ctx, `
		SELECT available_quantity FROM products WHERE product_id = ? FOR UPDATE`, productID,
	).Scan(&available)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, &domain.ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return 0, errors.Wrap(classify(err), "select for update")
	}
	return available, nil
}

func (t *mysqlTx) SetAvailableQuantity(ctx context.Context, productID int64, quantity int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE products SET available_quantity = ? WHERE product_id = ?`,
		quantity, productID,
	)
	if err != nil {
		return errors.Wrap(classify(err), "update product")
	}
	return nil
}

func (t *mysqlTx) CreateReservation(ctx context.Context, reservation domain.Reservation) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (product_id, quantity, status, timestamp)
		VALUES (?, ?, ?, ?)`,
		reservation.ProductID, reservation.Quantity, reservation.Status, reservation.Timestamp.UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(classify(err), "insert reservation")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reservation id")
	}
	return id, nil
}

func getProduct(ctx context.Context, q queryer, productID int64) (*domain.Product, error) {
	var p domain.Product
	err := q.QueryRowContext(ctx, `
		SELECT product_id, product_name, available_quantity
		FROM products WHERE product_id = ?`, productID,
	).Scan(&p.ID, &p.Name, &p.AvailableQuantity)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(classify(err), "query product")
	}
	return &p, nil
}

// classify marks lock wait timeouts and deadlocks as ErrLockConflict.
func classify(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case errLockWaitTimeout, errDeadlock:
			return errors.Wrap(ErrLockConflict, mysqlErr.Error())
		}
	}
	return err
}

package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL,
	email TEXT NOT NULL,
	order_id TEXT NOT NULL UNIQUE,
	street TEXT NOT NULL,
	city TEXT NOT NULL,
	state TEXT NOT NULL,
	zipcode TEXT NOT NULL,
	delivery_date TEXT NOT NULL,
	updated_at TEXT
)`

// timestampLayout is fixed width so updated_at sorts lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

const selectColumns = `id, first_name, last_name, email, order_id, street, city, state, zipcode, delivery_date, updated_at`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	conn   *sql.DB
	path   string
	logger Logger
	now    func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets the store logger.
func WithLogger(logger Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = logger }
}

// WithNow sets the clock used for updated_at stamps.
func WithNow(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the orders schema exists.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// One writer keeps each update a single serialized statement.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

// initSchema creates the table and adds updated_at to databases created
// before that column existed.
func (s *SQLiteStore) initSchema() error {
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}

	rows, err := s.conn.Query(`PRAGMA table_info(orders)`)
	if err != nil {
		return err
	}
	defer rows.Close()

	hasUpdatedAt := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == "updated_at" {
			hasUpdatedAt = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !hasUpdatedAt {
		if _, err := s.conn.Exec(`ALTER TABLE orders ADD COLUMN updated_at TEXT`); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Find implements Store.
func (s *SQLiteStore) Find(ctx context.Context, orderID, email string) (order *Order, err error) {
	ctx, span := startSpan(ctx, "find", orderID)
	defer func() { endSpan(span, ignoreNotFound(err)) }()

	id, mail := normalizeKey(orderID, email)
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM orders WHERE UPPER(order_id) = ? AND LOWER(email) = ?`,
		id, mail,
	)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.debug("order_not_found", "order_id", orderID)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", orderID, err)
	}
	s.debug("order_found", "order_id", o.OrderID, "customer", o.FullName())
	return &o, nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, orderID, email string, u Update) (msg string, err error) {
	ctx, span := startSpan(ctx, "update", orderID)
	defer func() {
		endSpan(span, err)
		recordUpdate(u, err)
	}()

	if err := u.Validate(); err != nil {
		return "", err
	}

	cols := u.columns()
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+3)
	for _, c := range cols {
		sets = append(sets, c.Name+" = ?")
		args = append(args, c.Value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UTC().Format(timestampLayout))

	id, mail := normalizeKey(orderID, email)
	args = append(args, id, mail)

	res, err := s.conn.ExecContext(ctx,
		`UPDATE orders SET `+strings.Join(sets, ", ")+` WHERE UPPER(order_id) = ? AND LOWER(email) = ?`,
		args...,
	)
	if err != nil {
		return "", &WriteError{OrderID: orderID, Email: email, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", &WriteError{OrderID: orderID, Email: email, Cause: err}
	}
	if n == 0 {
		return "", &WriteError{OrderID: orderID, Email: email, Cause: ErrNotFound}
	}

	s.info("order_updated", "order_id", orderID, "fields", u.FieldNames())
	return successMessage(orderID), nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) (result []Order, err error) {
	ctx, span := startSpan(ctx, "list", "")
	defer func() { endSpan(span, err) }()

	rows, err := s.conn.QueryContext(ctx, `SELECT `+selectColumns+` FROM orders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	result = []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (n int, err error) {
	ctx, span := startSpan(ctx, "count", "")
	defer func() { endSpan(span, err) }()

	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return n, nil
}

// LatestUpdatedID implements Store.
func (s *SQLiteStore) LatestUpdatedID(ctx context.Context) (id string, err error) {
	ctx, span := startSpan(ctx, "latest_updated", "")
	defer func() { endSpan(span, err) }()

	err = s.conn.QueryRowContext(ctx,
		`SELECT order_id FROM orders WHERE updated_at IS NOT NULL ORDER BY updated_at DESC, id DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest updated order: %w", err)
	}
	return id, nil
}

// Insert adds orders, validating each first.
func (s *SQLiteStore) Insert(ctx context.Context, list []Order) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, o := range list {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("order %s: %w", o.OrderID, err)
		}
		var idArg any
		if o.ID != 0 {
			idArg = o.ID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, first_name, last_name, email, order_id, street, city, state, zipcode, delivery_date)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			idArg, o.FirstName, o.LastName, o.Email, o.OrderID, o.Street, o.City, o.State, o.Zipcode, o.DeliveryDate,
		); err != nil {
			return fmt.Errorf("insert order %s: %w", o.OrderID, err)
		}
	}
	return tx.Commit()
}

// SeedIfEmpty inserts list when the table has no rows. Returns the number
// of rows inserted.
func (s *SQLiteStore) SeedIfEmpty(ctx context.Context, list []Order) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	if err := s.Insert(ctx, list); err != nil {
		return 0, err
	}
	s.info("orders_seeded", "count", len(list), "path", s.path)
	return len(list), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var (
		o         Order
		updatedAt sql.NullString
	)
	err := row.Scan(&o.ID, &o.FirstName, &o.LastName, &o.Email, &o.OrderID,
		&o.Street, &o.City, &o.State, &o.Zipcode, &o.DeliveryDate, &updatedAt)
	if err != nil {
		return Order{}, err
	}
	if updatedAt.Valid && updatedAt.String != "" {
		if t, perr := time.Parse(timestampLayout, updatedAt.String); perr == nil {
			o.UpdatedAt = &t
		}
	}
	return o, nil
}

func (s *SQLiteStore) debug(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, kv...)
	}
}

func (s *SQLiteStore) info(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Info(msg, kv...)
	}
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func recordUpdate(u Update, err error) {
	status := "success"
	switch {
	case IsValidation(err):
		status = "invalid"
	case err != nil:
		status = "failed"
	}
	for _, field := range u.FieldNames() {
		observability.RecordOrderUpdate(field, status)
	}
	if u.IsEmpty() {
		observability.RecordOrderUpdate("none", status)
	}
}

var _ Store = (*SQLiteStore)(nil)

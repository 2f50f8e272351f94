package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required")
	ErrNotFound       = errors.New("not found")
)

// CreateOrder inserts a new ledger row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}
	var filled any
	if o.FilledTime != nil {
		filled = *o.FilledTime
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ClientOrderID, o.ExchangeOrderID, o.Exchange, o.Symbol, o.Side, o.Type,
		o.Qty, o.Price, o.ExecutedQty, o.Status, o.OrderTime, filled,
		o.OrderGroupID, o.OrderRole, o.ParentOrderID, o.UserID, o.SignalID,
		o.PortfolioID, o.TakeProfit, o.StopLoss, o.Note,
	)
	return err
}

// GetOrderByClientID returns one order or nil when absent.
func (d *Database) GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &o, nil
}

// UpdateOrderFill records a fill: status, cumulative executed quantity and
// the realized average price, plus the fill timestamp for terminal fills.
func (d *Database) UpdateOrderFill(ctx context.Context, clientOrderID, status string, executedQty, avgPrice float64, filledAt time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, executed_qty = ?, price = ?, filled_ts = ?, updated_at = CURRENT_TIMESTAMP
		WHERE client_order_id = ?
	`, status, executedQty, avgPrice, filledAt, clientOrderID)
	return err
}

// UpdateOrderStatus terminalizes or advances an order's status only.
func (d *Database) UpdateOrderStatus(ctx context.Context, clientOrderID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE client_order_id = ?
	`, status, clientOrderID)
	return err
}

// ListOrdersByGroup returns all orders sharing an order group, entry first.
func (d *Database) ListOrdersByGroup(ctx context.Context, groupID string) ([]Order, error) {
	return d.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE order_group_id = ?
		ORDER BY CASE order_role WHEN 'ENTRY' THEN 0 ELSE 1 END, order_ts ASC
	`, groupID)
}

// ListOrdersByUser returns the user's full ledger ordered by group then time,
// so callers can regroup rows into trades in one pass.
func (d *Database) ListOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return d.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = ?
		ORDER BY order_group_id, CASE order_role WHEN 'ENTRY' THEN 0 ELSE 1 END, order_ts ASC
	`, userID)
}

// CountOrders reports whether the ledger has any history at all for the
// (user, symbol, exchange) triple.
func (d *Database) CountOrders(ctx context.Context, userID, symbol, exchange string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM orders WHERE user_id = ? AND symbol = ? AND exchange = ?
	`, userID, symbol, exchange).Scan(&n)
	return n, err
}

// CountOpenEntries counts FILLED entries for the triple that have no FILLED
// exit in the same order group: the ledger definition of an open position.
func (d *Database) CountOpenEntries(ctx context.Context, userID, symbol, exchange string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM orders e
		WHERE e.user_id = ? AND e.symbol = ? AND e.exchange = ?
		  AND e.order_role = 'ENTRY' AND e.status = 'FILLED'
		  AND NOT EXISTS (
		      SELECT 1 FROM orders x
		      WHERE x.order_group_id = e.order_group_id
		        AND x.order_role != 'ENTRY' AND x.status = 'FILLED'
		  )
	`, userID, symbol, exchange).Scan(&n)
	return n, err
}

// ListOpenGroups returns FILLED entry orders whose group has no terminal
// exit. Used by ledger-hygiene tooling, not the order hot path.
func (d *Database) ListOpenGroups(ctx context.Context) ([]Order, error) {
	terminal := "'" + strings.Join(TerminalStatuses, "','") + "'"
	return d.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders e
		WHERE e.order_role = 'ENTRY' AND e.status = 'FILLED'
		  AND NOT EXISTS (
		      SELECT 1 FROM orders x
		      WHERE x.order_group_id = e.order_group_id
		        AND x.order_role != 'ENTRY' AND x.status IN (`+terminal+`)
		  )
		ORDER BY e.order_ts ASC
	`)
}

func (d *Database) listOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_trading_active)
		VALUES (?, ?, ?, ?)
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.IsTradingActive)
	return err
}

// GetUserByEmail returns the user with the given email, or nil.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_trading_active, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsTradingActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// SetUserTradingActive flips the flag that gates private streams and
// signal execution for a user.
func (d *Database) SetUserTradingActive(ctx context.Context, userID string, active bool) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users SET is_trading_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, active, userID)
	return err
}

// CreateCredential stores an API key pair for a user and exchange.
func (d *Database) CreateCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO credentials (id, user_id, exchange, label, api_key, api_secret, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Exchange, c.Label, c.APIKey, c.APISecret, c.IsActive)
	return err
}

// ListCredentialsByUser returns all credentials a user owns, newest first.
func (d *Database) ListCredentialsByUser(ctx context.Context, userID string) ([]Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, exchange, label, api_key, api_secret, is_active, created_at, updated_at
		FROM credentials WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Label, &c.APIKey, &c.APISecret, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// GetCredential returns the user's active credential for an exchange, or nil.
func (d *Database) GetCredential(ctx context.Context, userID, exchange string) (*Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, label, api_key, api_secret, is_active, created_at, updated_at
		FROM credentials
		WHERE user_id = ? AND exchange = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1
	`, userID, exchange)
	var c Credential
	if err := row.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Label, &c.APIKey, &c.APISecret, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListActiveTradingCredentials returns one credential per active-trading
// user for the given exchange. When a user somehow carries several active
// rows, only the newest is returned so one signal maps to one order per
// user.
func (d *Database) ListActiveTradingCredentials(ctx context.Context, exchange string) ([]Credential, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.exchange, c.label, c.api_key, c.api_secret, c.is_active, c.created_at, c.updated_at
		FROM credentials c
		JOIN users u ON u.id = c.user_id
		WHERE c.exchange = ? AND c.is_active = 1 AND u.is_trading_active = 1
		ORDER BY c.user_id, c.created_at DESC, c.id DESC
	`, exchange)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Credential
	lastUser := ""
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Label, &c.APIKey, &c.APISecret, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if c.UserID == lastUser {
			continue
		}
		lastUser = c.UserID
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeactivateCredentialsForExchange marks every active credential a user
// holds on an exchange inactive. Used when a replacement credential is
// registered so at most one stays active per user and exchange.
func (d *Database) DeactivateCredentialsForExchange(ctx context.Context, userID, exchange string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE credentials SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND exchange = ? AND is_active = 1
	`, userID, exchange)
	return err
}

// DeactivateCredential marks a credential inactive for a user.
func (d *Database) DeactivateCredential(ctx context.Context, id, userID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE credentials
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

package db

import (
	"database/sql"
	"time"
)

// Order role constants. One ENTRY per order group; everything else is an exit.
const (
	RoleEntry        = "ENTRY"
	RoleTakeProfit1  = "TP1"
	RoleTakeProfit2  = "TP2"
	RoleStopLoss     = "SL"
	RoleManualSell   = "MANUAL_SELL"
	RoleAdminCleanup = "ADMIN_CLEANUP"
)

// Order status constants as normalized from exchange execution reports.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// TerminalStatuses are the states an order can never leave.
var TerminalStatuses = []string{StatusFilled, StatusCanceled, StatusExpired, StatusRejected}

// IsTerminalStatus reports whether a status is final.
func IsTerminalStatus(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Order is the durable ledger row shared by the user-stream manager, the
// execution coordinator and the reconciler. Rows are never deleted; status is
// only ever terminalized.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Exchange        string
	Symbol          string
	Side            string
	Type            string
	Qty             float64
	Price           float64
	ExecutedQty     float64
	Status          string
	OrderTime       time.Time
	FilledTime      *time.Time
	OrderGroupID    string
	OrderRole       string
	ParentOrderID   string
	UserID          string
	SignalID        string
	PortfolioID     string
	TakeProfit      float64
	StopLoss        float64
	Note            string
}

// User is an application user; only active-trading users get a private
// stream session and participate in signal execution.
type User struct {
	ID              string
	Email           string
	PasswordHash    string
	IsTradingActive bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Credential is a user's API key pair for one exchange. Key material may be
// stored encrypted (crypto.IsEncrypted) or plaintext for legacy rows.
type Credential struct {
	ID        string
	UserID    string
	Exchange  string
	Label     string
	APIKey    string
	APISecret string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const orderColumns = `client_order_id, exchange_order_id, exchange, symbol, side, type,
	qty, price, executed_qty, status, order_ts, filled_ts, order_group_id, order_role,
	parent_order_id, user_id, signal_id, portfolio_id, tp_price, sl_price, note`

func scanOrder(scan func(dest ...any) error) (Order, error) {
	var o Order
	var filled sql.NullTime
	err := scan(
		&o.ClientOrderID, &o.ExchangeOrderID, &o.Exchange, &o.Symbol, &o.Side, &o.Type,
		&o.Qty, &o.Price, &o.ExecutedQty, &o.Status, &o.OrderTime, &filled,
		&o.OrderGroupID, &o.OrderRole, &o.ParentOrderID, &o.UserID, &o.SignalID,
		&o.PortfolioID, &o.TakeProfit, &o.StopLoss, &o.Note,
	)
	if filled.Valid {
		t := filled.Time
		o.FilledTime = &t
	}
	return o, err
}

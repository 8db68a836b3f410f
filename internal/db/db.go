package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/fatih/structs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cosignr/coordinator/internal/models"
	"github.com/cosignr/coordinator/internal/sign"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const orderColumns = `hash, maker_address, taker_address, fee_recipient_address, sender_address,
	maker_asset_amount::text, taker_asset_amount::text, maker_fee::text, taker_fee::text,
	expiration_time_seconds, salt::text, maker_asset_data, taker_asset_data, created_at`

// DB wraps a PostgreSQL connection pool and implements the order store and
// the fill-amount ledger. Orders are only ever written through
// FindOrCreateOrder; transactions and fill amounts only through
// CreateTransaction.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so order resolution
// can run inside or outside an enclosing SQL transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type orderRow struct {
	Hash                  string `structs:"hash"`
	MakerAddress          string `structs:"maker_address"`
	TakerAddress          string `structs:"taker_address"`
	FeeRecipientAddress   string `structs:"fee_recipient_address"`
	SenderAddress         string `structs:"sender_address"`
	MakerAssetAmount      string `structs:"maker_asset_amount"`
	TakerAssetAmount      string `structs:"taker_asset_amount"`
	MakerFee              string `structs:"maker_fee"`
	TakerFee              string `structs:"taker_fee"`
	ExpirationTimeSeconds int64  `structs:"expiration_time_seconds"`
	Salt                  string `structs:"salt"`
	MakerAssetData        string `structs:"maker_asset_data"`
	TakerAssetData        string `structs:"taker_asset_data"`
}

func newOrderRow(o models.Order) orderRow {
	return orderRow{
		Hash:                  orderHash(o),
		MakerAddress:          o.MakerAddress,
		TakerAddress:          o.TakerAddress,
		FeeRecipientAddress:   o.FeeRecipientAddress,
		SenderAddress:         o.SenderAddress,
		MakerAssetAmount:      bigString(o.MakerAssetAmount),
		TakerAssetAmount:      bigString(o.TakerAssetAmount),
		MakerFee:              bigString(o.MakerFee),
		TakerFee:              bigString(o.TakerFee),
		ExpirationTimeSeconds: o.ExpirationTimeSeconds,
		Salt:                  bigString(o.Salt),
		MakerAssetData:        o.MakerAssetData,
		TakerAssetData:        o.TakerAssetData,
	}
}

// FindOrderByHash retrieves an order by its content hash. Returns (nil, nil)
// when no order with that hash exists.
func (db *DB) FindOrderByHash(ctx context.Context, hash string) (*models.Order, error) {
	order, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE hash = $1", hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, persistence("failed to get order", err)
	}
	return order, nil
}

// FindOrCreateOrder resolves an order payload to its stored row, inserting it
// on first sight of the hash. Safe under concurrent callers submitting the
// same order: ON CONFLICT DO NOTHING guarantees a single row and every caller
// resolves to it.
func (db *DB) FindOrCreateOrder(ctx context.Context, order models.Order) (*models.Order, error) {
	o, err := findOrCreateOrder(ctx, db.Pool, order)
	if err != nil {
		return nil, persistence("failed to find or create order", err)
	}
	return o, nil
}

func findOrCreateOrder(ctx context.Context, q querier, order models.Order) (*models.Order, error) {
	row := newOrderRow(order)
	sqlStr, args, err := psql.Insert("orders").
		SetMap(structs.Map(row)).
		Suffix("ON CONFLICT (hash) DO NOTHING").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build order insert: %w", err)
	}
	if _, err = q.Exec(ctx, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	stored, err := scanOrder(q.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE hash = $1", row.Hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read back order: %w", err)
	}
	return stored, nil
}

// FindTransaction looks up a transaction by its (takerAddress, signature)
// identity, with its orders and fill amounts attached. Returns (nil, nil)
// when no match exists. The pair is not enforced unique; the most recently
// created match wins.
func (db *DB) FindTransaction(ctx context.Context, takerAddress, signature string) (*models.Transaction, error) {
	var t models.Transaction
	err := db.Pool.QueryRow(ctx, `
		SELECT id, signature, taker_address, expiration_time_seconds, created_at
		FROM transactions
		WHERE taker_address = $1 AND signature = $2
		ORDER BY id DESC
		LIMIT 1
	`, takerAddress, signature).Scan(&t.ID, &t.Signature, &t.TakerAddress, &t.ExpirationTimeSeconds, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, persistence("failed to get transaction", err)
	}

	if err := db.attachAssociations(ctx, []*models.Transaction{&t}); err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionFilter narrows FindTransactionsByOrders. A zero TakerAddress
// matches all takers; Unexpired keeps only transactions whose expiry is
// strictly in the future.
type TransactionFilter struct {
	TakerAddress string
	Unexpired    bool
}

// FindTransactionsByOrders returns every transaction referencing at least one
// of the given orders, with orders and fill amounts attached. Result order is
// unspecified.
func (db *DB) FindTransactionsByOrders(ctx context.Context, orders []models.Order, filter TransactionFilter) ([]models.Transaction, error) {
	hashes := orderHashes(orders)
	if len(hashes) == 0 {
		return nil, nil
	}

	builder := psql.Select("t.id", "t.signature", "t.taker_address", "t.expiration_time_seconds", "t.created_at").
		Options("DISTINCT").
		From("transactions AS t").
		Join("transaction_orders AS tord ON tord.transaction_id = t.id").
		Where(sq.Eq{"tord.order_hash": hashes})
	if filter.TakerAddress != "" {
		builder = builder.Where(sq.Eq{"t.taker_address": filter.TakerAddress})
	}
	if filter.Unexpired {
		builder = builder.Where(sq.Gt{"t.expiration_time_seconds": time.Now().Unix()})
	}

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, persistence("failed to build transactions query", err)
	}
	rows, err := db.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, persistence("failed to query transactions", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.Signature, &t.TakerAddress, &t.ExpirationTimeSeconds, &t.CreatedAt); err != nil {
			return nil, persistence("failed to scan transaction", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("failed to read transactions", err)
	}

	refs := make([]*models.Transaction, len(transactions))
	for i := range transactions {
		refs[i] = &transactions[i]
	}
	if err := db.attachAssociations(ctx, refs); err != nil {
		return nil, err
	}
	return transactions, nil
}

// CreateTransaction persists a signed approval with its orders and fill
// amounts atomically. orders and fillAmounts are parallel sequences; each
// order is resolved through the order store inside the same SQL transaction,
// so a failure at any point leaves no partial rows behind.
func (db *DB) CreateTransaction(ctx context.Context, signature string, expirationTimeSeconds int64, takerAddress string, orders []models.Order, fillAmounts []*big.Int) (*models.Transaction, error) {
	if len(orders) == 0 {
		return nil, fmt.Errorf("transaction must reference at least one order")
	}
	if len(orders) != len(fillAmounts) {
		return nil, fmt.Errorf("orders and fill amounts must have equal length: %d != %d", len(orders), len(fillAmounts))
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, persistence("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	result := models.Transaction{
		Signature:             signature,
		TakerAddress:          takerAddress,
		ExpirationTimeSeconds: expirationTimeSeconds,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO transactions (signature, taker_address, expiration_time_seconds)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, signature, takerAddress, expirationTimeSeconds).Scan(&result.ID, &result.CreatedAt)
	if err != nil {
		return nil, persistence("failed to insert transaction", err)
	}

	for i := range orders {
		stored, err := findOrCreateOrder(ctx, tx, orders[i])
		if err != nil {
			return nil, persistence("failed to resolve order", err)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO transaction_orders (transaction_id, order_hash) VALUES ($1, $2)",
			result.ID, stored.Hash)
		if err != nil {
			return nil, persistence("failed to link order", err)
		}

		fill := models.FillAmount{
			TransactionID:        result.ID,
			OrderHash:            stored.Hash,
			TakerAssetFillAmount: fillAmounts[i],
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO fill_amounts (transaction_id, order_hash, taker_asset_fill_amount)
			VALUES ($1, $2, $3)
			RETURNING id
		`, result.ID, stored.Hash, bigString(fillAmounts[i])).Scan(&fill.ID)
		if err != nil {
			return nil, persistence("failed to insert fill amount", err)
		}

		result.Orders = append(result.Orders, *stored)
		result.FillAmounts = append(result.FillAmounts, fill)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistence("failed to commit transaction", err)
	}
	return &result, nil
}

// OrderHashToFillAmountRequested sums, per order, the fill amounts this taker
// has already requested across all of their transactions referencing the
// given orders. Orders with no matching transactions are absent from the map;
// callers treat absent as zero. Summation is exact big.Int arithmetic.
func (db *DB) OrderHashToFillAmountRequested(ctx context.Context, orders []models.Order, takerAddress string) (map[string]*big.Int, error) {
	hashes := orderHashSet(orders)
	transactions, err := db.FindTransactionsByOrders(ctx, orders, TransactionFilter{TakerAddress: takerAddress})
	if err != nil {
		return nil, err
	}

	totals := make(map[string]*big.Int)
	for _, t := range transactions {
		for _, order := range t.Orders {
			if _, relevant := hashes[order.Hash]; !relevant {
				continue
			}
			fill, ok := findFillAmount(t, order.Hash)
			if !ok {
				return nil, &InvariantViolationError{TransactionID: t.ID, OrderHash: order.Hash}
			}
			total, exists := totals[order.Hash]
			if !exists {
				total = new(big.Int)
				totals[order.Hash] = total
			}
			total.Add(total, fill.TakerAssetFillAmount)
		}
	}
	return totals, nil
}

// OutstandingSignaturesByOrders returns one record per (unexpired
// transaction, order) pair among the given orders, across all takers. Used to
// answer whether any live approval exists against an order.
func (db *DB) OutstandingSignaturesByOrders(ctx context.Context, orders []models.Order) ([]models.OutstandingSignature, error) {
	hashes := orderHashSet(orders)
	transactions, err := db.FindTransactionsByOrders(ctx, orders, TransactionFilter{Unexpired: true})
	if err != nil {
		return nil, err
	}

	var outstanding []models.OutstandingSignature
	for _, t := range transactions {
		for _, order := range t.Orders {
			if _, relevant := hashes[order.Hash]; !relevant {
				continue
			}
			fill, ok := findFillAmount(t, order.Hash)
			if !ok {
				return nil, &InvariantViolationError{TransactionID: t.ID, OrderHash: order.Hash}
			}
			outstanding = append(outstanding, models.OutstandingSignature{
				OrderHash:             order.Hash,
				Signature:             t.Signature,
				ExpirationTimeSeconds: t.ExpirationTimeSeconds,
				TakerAssetFillAmount:  fill.TakerAssetFillAmount,
			})
		}
	}
	return outstanding, nil
}

// attachAssociations loads the orders and fill amounts of the given
// transactions in two queries and distributes them by transaction id.
func (db *DB) attachAssociations(ctx context.Context, transactions []*models.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	ids := make([]int64, len(transactions))
	byID := make(map[int64]*models.Transaction, len(transactions))
	for i, t := range transactions {
		ids[i] = t.ID
		byID[t.ID] = t
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT tord.transaction_id, `+orderColumns+`
		FROM transaction_orders AS tord
		JOIN orders ON orders.hash = tord.order_hash
		WHERE tord.transaction_id = ANY($1)
	`, ids)
	if err != nil {
		return persistence("failed to query transaction orders", err)
	}
	defer rows.Close()
	for rows.Next() {
		var txID int64
		order, err := scanOrderWith(rows, &txID)
		if err != nil {
			return persistence("failed to scan transaction order", err)
		}
		byID[txID].Orders = append(byID[txID].Orders, *order)
	}
	if err := rows.Err(); err != nil {
		return persistence("failed to read transaction orders", err)
	}

	fillRows, err := db.Pool.Query(ctx, `
		SELECT id, transaction_id, order_hash, taker_asset_fill_amount::text
		FROM fill_amounts
		WHERE transaction_id = ANY($1)
	`, ids)
	if err != nil {
		return persistence("failed to query fill amounts", err)
	}
	defer fillRows.Close()
	for fillRows.Next() {
		var fill models.FillAmount
		var amount string
		if err := fillRows.Scan(&fill.ID, &fill.TransactionID, &fill.OrderHash, &amount); err != nil {
			return persistence("failed to scan fill amount", err)
		}
		fill.TakerAssetFillAmount, err = bigFromString(amount)
		if err != nil {
			return persistence("failed to parse fill amount", err)
		}
		byID[fill.TransactionID].FillAmounts = append(byID[fill.TransactionID].FillAmounts, fill)
	}
	if err := fillRows.Err(); err != nil {
		return persistence("failed to read fill amounts", err)
	}
	return nil
}

func findFillAmount(t models.Transaction, orderHash string) (models.FillAmount, bool) {
	for _, fill := range t.FillAmounts {
		if fill.OrderHash == orderHash {
			return fill, true
		}
	}
	return models.FillAmount{}, false
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	return scanOrderFrom(row)
}

// scanOrderWith scans leading extra columns (e.g. a transaction id) followed
// by the standard order column set.
func scanOrderWith(row pgx.Row, extra ...any) (*models.Order, error) {
	return scanOrderFrom(row, extra...)
}

func scanOrderFrom(row pgx.Row, extra ...any) (*models.Order, error) {
	var o models.Order
	var makerAmount, takerAmount, makerFee, takerFee, salt string
	dest := append(extra,
		&o.Hash, &o.MakerAddress, &o.TakerAddress, &o.FeeRecipientAddress, &o.SenderAddress,
		&makerAmount, &takerAmount, &makerFee, &takerFee,
		&o.ExpirationTimeSeconds, &salt, &o.MakerAssetData, &o.TakerAssetData, &o.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if o.MakerAssetAmount, err = bigFromString(makerAmount); err != nil {
		return nil, err
	}
	if o.TakerAssetAmount, err = bigFromString(takerAmount); err != nil {
		return nil, err
	}
	if o.MakerFee, err = bigFromString(makerFee); err != nil {
		return nil, err
	}
	if o.TakerFee, err = bigFromString(takerFee); err != nil {
		return nil, err
	}
	if o.Salt, err = bigFromString(salt); err != nil {
		return nil, err
	}
	return &o, nil
}

func orderHash(o models.Order) string {
	if o.Hash != "" {
		return o.Hash
	}
	return sign.OrderHash(o)
}

func orderHashes(orders []models.Order) []string {
	hashes := make([]string, len(orders))
	for i := range orders {
		hashes[i] = orderHash(orders[i])
	}
	return hashes
}

func orderHashSet(orders []models.Order) map[string]struct{} {
	set := make(map[string]struct{}, len(orders))
	for i := range orders {
		set[orderHash(orders[i])] = struct{}{}
	}
	return set
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigFromString(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fixbridge/execution-service/internal/domain"
	"github.com/fixbridge/execution-service/internal/metrics"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// PoolStat adapts pgxpool stats for the pool monitor.
func (s *Store) PoolStat() metrics.PoolStat {
	st := s.pool.Stat()
	return metrics.PoolStat{
		Active:        int(st.AcquiredConns()),
		Idle:          int(st.IdleConns()),
		Total:         int(st.TotalConns()),
		Max:           int(st.MaxConns()),
		EmptyAcquires: st.EmptyAcquireCount(),
	}
}

const executionColumns = `
	id, execution_status, trade_type, destination, security_id,
	quantity::text, limit_price::text,
	received_timestamp, sent_timestamp,
	trade_service_execution_id,
	quantity_filled::text, average_price::text,
	version`

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var (
		e          domain.Execution
		status     string
		tradeType  string
		quantity   string
		limitPrice *string
		filled     string
		avgPrice   *string
	)
	err := row.Scan(
		&e.ID, &status, &tradeType, &e.Destination, &e.SecurityID,
		&quantity, &limitPrice,
		&e.ReceivedTimestamp, &e.SentTimestamp,
		&e.TradeServiceExecutionID,
		&filled, &avgPrice,
		&e.Version,
	)
	if err != nil {
		return nil, err
	}

	e.ExecutionStatus = domain.ExecutionStatus(status)
	e.TradeType = domain.TradeType(tradeType)
	if e.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("scan quantity: %w", err)
	}
	if e.QuantityFilled, err = decimal.NewFromString(filled); err != nil {
		return nil, fmt.Errorf("scan quantity_filled: %w", err)
	}
	if limitPrice != nil {
		d, err := decimal.NewFromString(*limitPrice)
		if err != nil {
			return nil, fmt.Errorf("scan limit_price: %w", err)
		}
		e.LimitPrice = &d
	}
	if avgPrice != nil {
		d, err := decimal.NewFromString(*avgPrice)
		if err != nil {
			return nil, fmt.Errorf("scan average_price: %w", err)
		}
		e.AveragePrice = &d
	}
	return &e, nil
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func (s *Store) Insert(ctx context.Context, e *domain.Execution) (*domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO execution (
			execution_status, trade_type, destination, security_id,
			quantity, limit_price, received_timestamp,
			trade_service_execution_id, quantity_filled, average_price, version
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9::numeric, $10::numeric, 1)
		RETURNING `+executionColumns,
		string(e.ExecutionStatus), string(e.TradeType), e.Destination, e.SecurityID,
		e.Quantity.String(), nullableDecimal(e.LimitPrice), e.ReceivedTimestamp.UTC(),
		e.TradeServiceExecutionID, e.QuantityFilled.String(), nullableDecimal(e.AveragePrice),
	)
	out, err := scanExecution(row)
	metrics.RecordDatabaseOperation(err)
	return out, err
}

func (s *Store) FindByID(ctx context.Context, id int64) (*domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM execution WHERE id = $1`, id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

// sortColumns is the whitelist of externally sortable fields.
var sortColumns = map[string]string{
	"id":                "id",
	"executionStatus":   "execution_status",
	"tradeType":         "trade_type",
	"destination":       "destination",
	"securityId":        "security_id",
	"quantity":          "quantity",
	"receivedTimestamp": "received_timestamp",
	"sentTimestamp":     "sent_timestamp",
}

func buildOrderBy(sort []domain.SortKey) string {
	var parts []string
	for _, k := range sort {
		col, ok := sortColumns[k.Field]
		if !ok {
			continue
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	if len(parts) == 0 {
		return "id ASC"
	}
	return strings.Join(parts, ", ")
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return offset, limit
}

func (s *Store) FindPaged(ctx context.Context, f domain.Filter, sort []domain.SortKey, offset, limit int) ([]domain.Execution, int64, error) {
	offset, limit = clampPage(offset, limit)

	where := "WHERE 1=1"
	args := []any{}
	argN := 1

	addStr := func(col string, v *string) {
		if v == nil {
			return
		}
		where += fmt.Sprintf(" AND LOWER(%s) = LOWER($%d)", col, argN)
		args = append(args, strings.TrimSpace(*v))
		argN++
	}
	addStr("execution_status", f.ExecutionStatus)
	addStr("trade_type", f.TradeType)
	addStr("destination", f.Destination)
	addStr("security_id", f.SecurityID)
	if f.ID != nil {
		where += fmt.Sprintf(" AND id = $%d", argN)
		args = append(args, *f.ID)
		argN++
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM execution "+where, args...).Scan(&total); err != nil {
		metrics.RecordDatabaseOperation(err)
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT %s FROM execution %s ORDER BY %s OFFSET %d LIMIT %d`,
		executionColumns, where, buildOrderBy(sort), offset, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		metrics.RecordDatabaseOperation(err)
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordDatabaseOperation(err)
		return nil, 0, err
	}
	metrics.RecordDatabaseOperation(nil)
	return out, total, nil
}

func (s *Store) UpdateWithVersion(ctx context.Context, id int64, mut domain.FillMutation, expectedVersion int64) (*domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE execution
		SET quantity_filled = $2::numeric,
		    average_price = $3::numeric,
		    execution_status = $4,
		    version = version + 1
		WHERE id = $1 AND version = $5
		RETURNING `+executionColumns,
		id, mut.QuantityFilled.String(), nullableDecimal(mut.AveragePrice),
		string(mut.ExecutionStatus), expectedVersion,
	)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing row from a stale version.
		var exists bool
		if checkErr := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM execution WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
			metrics.RecordDatabaseOperation(checkErr)
			return nil, checkErr
		}
		metrics.RecordDatabaseOperation(nil)
		if exists {
			return nil, domain.ErrVersionConflict
		}
		return nil, domain.ErrNotFound
	}
	metrics.RecordDatabaseOperation(err)
	return e, err
}

// WithTx runs fn inside one transaction. The Tx handle is the only way to
// reach BulkInsert / BulkUpdateSentTimestamp, which keeps the transactional
// contract un-bypassable.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&executionTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type executionTx struct {
	tx pgx.Tx
}

func (t *executionTx) BulkInsert(ctx context.Context, rows []*domain.Execution) ([]*domain.Execution, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO execution (
			execution_status, trade_type, destination, security_id,
			quantity, limit_price, received_timestamp,
			trade_service_execution_id, quantity_filled, average_price, version
		) VALUES `)

	args := make([]any, 0, len(rows)*10)
	argN := 1
	for i, e := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d::numeric, $%d::numeric, $%d, $%d, $%d::numeric, $%d::numeric, 1)",
			argN, argN+1, argN+2, argN+3, argN+4, argN+5, argN+6, argN+7, argN+8, argN+9)
		argN += 10
		args = append(args,
			string(e.ExecutionStatus), string(e.TradeType), e.Destination, e.SecurityID,
			e.Quantity.String(), nullableDecimal(e.LimitPrice), e.ReceivedTimestamp.UTC(),
			e.TradeServiceExecutionID, e.QuantityFilled.String(), nullableDecimal(e.AveragePrice),
		)
	}
	sb.WriteString(" RETURNING " + executionColumns)

	start := time.Now()
	pgRows, err := t.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		metrics.RecordDatabaseOperation(err)
		return nil, err
	}
	defer pgRows.Close()

	out := make([]*domain.Execution, 0, len(rows))
	for pgRows.Next() {
		e, err := scanExecution(pgRows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := pgRows.Err(); err != nil {
		metrics.RecordDatabaseOperation(err)
		return nil, err
	}
	metrics.RecordDatabaseOperation(nil)
	metrics.ObserveBulkInsert(time.Since(start))

	if len(out) != len(rows) {
		return nil, fmt.Errorf("bulk insert returned %d rows, expected %d", len(out), len(rows))
	}
	return out, nil
}

func (t *executionTx) BulkUpdateSentTimestamp(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	start := time.Now()
	// sent_timestamp is set-once: already-stamped rows are not counted, which
	// surfaces divergence to the caller through the count check.
	ct, err := t.tx.Exec(ctx, `
		UPDATE execution
		SET sent_timestamp = $1
		WHERE id = ANY($2) AND sent_timestamp IS NULL
	`, at.UTC(), ids)
	metrics.RecordDatabaseOperation(err)
	if err != nil {
		return 0, err
	}
	metrics.ObserveBulkUpdate(time.Since(start))
	return ct.RowsAffected(), nil
}

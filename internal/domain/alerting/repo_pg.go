package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
	"github.com/dataclinica/bedflow/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const alertCols = `id, type, severity, department_id, reservation_id, bed_id, message,
	value, threshold, triggered_at, resolved_at, acknowledged_by, acknowledged_at`

func (r *repoPG) Create(ctx context.Context, a *Alert) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO capacity_alerts (`+alertCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.Type, a.Severity, a.DepartmentID, a.ReservationID, a.BedID, a.Message,
		a.Value, a.Threshold, a.TriggeredAt, a.ResolvedAt, a.AcknowledgedBy, a.AcknowledgedAt,
	)
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM capacity_alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get_alert", "alert %s not found", id)
	}
	return a, err
}

// Update writes the mutable columns only; the rest of an alert is a fact.
func (r *repoPG) Update(ctx context.Context, a *Alert) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE capacity_alerts SET resolved_at=$2, acknowledged_by=$3, acknowledged_at=$4
		WHERE id = $1`,
		a.ID, a.ResolvedAt, a.AcknowledgedBy, a.AcknowledgedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("update_alert", "alert %s not found", a.ID)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.DepartmentID != nil {
		add("department_id = $%d", *f.DepartmentID)
	}
	if f.Open != nil {
		if *f.Open {
			where = append(where, "resolved_at IS NULL")
		} else {
			where = append(where, "resolved_at IS NOT NULL")
		}
	}
	if f.Acknowledged != nil {
		if *f.Acknowledged {
			where = append(where, "acknowledged_at IS NOT NULL")
		} else {
			where = append(where, "acknowledged_at IS NULL")
		}
	}

	q := `SELECT ` + alertCols + ` FROM capacity_alerts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY triggered_at DESC, id`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scannable) (*Alert, error) {
	var a Alert
	if err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.DepartmentID, &a.ReservationID, &a.BedID,
		&a.Message, &a.Value, &a.Threshold, &a.TriggeredAt, &a.ResolvedAt,
		&a.AcknowledgedBy, &a.AcknowledgedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

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

const resCols = `id, bed_id, patient_id, movement_id, reserved_from, reserved_until,
	type, priority, status, notes, cancel_reason, created_by, created_at, updated_at,
	confirmed_at, closed_at`

func (r *repoPG) Create(ctx context.Context, res *Reservation) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reservations (`+resCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		res.ID, res.BedID, res.PatientID, res.MovementID, res.ReservedFrom, res.ReservedUntil,
		res.Type, res.Priority, res.Status, res.Notes, res.CancelReason, res.CreatedBy,
		res.CreatedAt, res.UpdatedAt, res.ConfirmedAt, res.ClosedAt,
	)
	return translate(err)
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := scanReservation(r.conn(ctx).QueryRow(ctx, `SELECT `+resCols+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get_reservation", "reservation %s not found", id)
	}
	return res, err
}

func (r *repoPG) Update(ctx context.Context, res *Reservation) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reservations SET
			reserved_until=$2, status=$3, notes=$4, cancel_reason=$5,
			updated_at=$6, confirmed_at=$7, closed_at=$8
		WHERE id = $1`,
		res.ID, res.ReservedUntil, res.Status, res.Notes, res.CancelReason,
		res.UpdatedAt, res.ConfirmedAt, res.ClosedAt,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("update_reservation", "reservation %s not found", res.ID)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*Reservation, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.BedID != nil {
		add("bed_id = $%d", *f.BedID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.MovementID != nil {
		add("movement_id = $%d", *f.MovementID)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.Overlapping != nil {
		add("reserved_from < $%d", f.Overlapping.Until)
		add("reserved_until > $%d", f.Overlapping.From)
	}

	q := `SELECT ` + resCols + ` FROM reservations`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY reserved_from, id`
	return r.query(ctx, q, args...)
}

func (r *repoPG) ListDue(ctx context.Context, now time.Time) ([]*Reservation, error) {
	return r.query(ctx, `SELECT `+resCols+` FROM reservations
		WHERE status IN ('ACTIVE','CONFIRMED') AND reserved_until < $1
		ORDER BY reserved_from, id`, now)
}

func (r *repoPG) query(ctx context.Context, q string, args ...interface{}) ([]*Reservation, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// translate maps the no-overlap exclusion constraint onto WindowConflict.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23P01" {
		return apperr.WindowConflict("save_reservation", "window overlaps a pending reservation on this bed")
	}
	return err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row scannable) (*Reservation, error) {
	var res Reservation
	if err := row.Scan(&res.ID, &res.BedID, &res.PatientID, &res.MovementID,
		&res.ReservedFrom, &res.ReservedUntil, &res.Type, &res.Priority, &res.Status,
		&res.Notes, &res.CancelReason, &res.CreatedBy, &res.CreatedAt, &res.UpdatedAt,
		&res.ConfirmedAt, &res.ClosedAt); err != nil {
		return nil, err
	}
	return &res, nil
}

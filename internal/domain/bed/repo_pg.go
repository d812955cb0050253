package bed

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

const bedCols = `id, code, bed_type, department_id, room, status,
	occupant_patient_id, occupant_admission_id, last_updated, updated_by, version, created_at`

func (r *repoPG) Create(ctx context.Context, b *Bed) error {
	patientID, admissionID := occupantCols(b.Occupant)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO beds (`+bedCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.Code, b.BedType, b.DepartmentID, b.Room, b.Status,
		patientID, admissionID, b.LastUpdated, b.UpdatedBy, b.Version, b.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Validation("register_bed", "bed %s or code %q already registered", b.ID, b.Code)
	}
	return err
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Bed, error) {
	b, err := scanBed(r.conn(ctx).QueryRow(ctx, `SELECT `+bedCols+` FROM beds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get_bed", "bed %s not found", id)
	}
	return b, err
}

func (r *repoPG) List(ctx context.Context, f Filter) ([]*Bed, error) {
	var where []string
	var args []interface{}
	if f.DepartmentID != "" {
		args = append(args, f.DepartmentID)
		where = append(where, fmt.Sprintf("department_id = $%d", len(args)))
	}
	if f.BedType != "" {
		args = append(args, f.BedType)
		where = append(where, fmt.Sprintf("bed_type = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	q := `SELECT ` + bedCols + ` FROM beds`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Bed
	for rows.Next() {
		b, err := scanBed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveAll must run inside a transaction; a version mismatch on any bed
// aborts the whole batch.
func (r *repoPG) SaveAll(ctx context.Context, beds []*Bed) error {
	q := r.conn(ctx)
	for _, b := range beds {
		patientID, admissionID := occupantCols(b.Occupant)
		tag, err := q.Exec(ctx, `
			UPDATE beds SET
				status=$3, occupant_patient_id=$4, occupant_admission_id=$5,
				last_updated=$6, updated_by=$7, version=version+1
			WHERE id = $1 AND version = $2`,
			b.ID, b.Version, b.Status, patientID, admissionID, b.LastUpdated, b.UpdatedBy,
		)
		if err != nil {
			return fmt.Errorf("update bed %s: %w", b.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.BedUnavailable("save_beds", "bed %s was modified concurrently", b.ID)
		}
	}
	for _, b := range beds {
		b.Version++
	}
	return nil
}

func occupantCols(o *OccupantRef) (*uuid.UUID, *uuid.UUID) {
	if o == nil {
		return nil, nil
	}
	p, a := o.PatientID, o.AdmissionID
	return &p, &a
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBed(row scannable) (*Bed, error) {
	var b Bed
	var patientID, admissionID *uuid.UUID
	if err := row.Scan(&b.ID, &b.Code, &b.BedType, &b.DepartmentID, &b.Room, &b.Status,
		&patientID, &admissionID, &b.LastUpdated, &b.UpdatedBy, &b.Version, &b.CreatedAt); err != nil {
		return nil, err
	}
	if patientID != nil && admissionID != nil {
		b.Occupant = &OccupantRef{PatientID: *patientID, AdmissionID: *admissionID}
	}
	return &b, nil
}

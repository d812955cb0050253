package movement

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

// NewPGRepos returns Postgres-backed stores sharing one pool.
func NewPGRepos(pool *pgxpool.Pool) Repos {
	base := pgBase{pool: pool}
	return Repos{
		Admissions: &admissionPG{base},
		Transfers:  &transferPG{base},
		Discharges: &dischargePG{base},
	}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type pgBase struct {
	pool *pgxpool.Pool
}

func (b pgBase) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

type scannable interface {
	Scan(dest ...interface{}) error
}

// whereBuilder collects numbered conditions for list queries.
type whereBuilder struct {
	conds []string
	args  []interface{}
}

func (w *whereBuilder) add(cond string, v interface{}) {
	w.args = append(w.args, v)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func stringsOf[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func expectRow(tag pgconn.CommandTag, op, noun string, id uuid.UUID) error {
	if tag.RowsAffected() == 0 {
		return apperr.NotFound(op, "%s %s not found", noun, id)
	}
	return nil
}

// -- Admissions --

type admissionPG struct{ pgBase }

const admCols = `id, patient_id, bed_id, reservation_id, status, admission_type, priority, reason,
	admitted_at, bed_assigned_at, ended_at, end_reason, created_by, created_at, updated_at`

func (r *admissionPG) Create(ctx context.Context, a *Admission) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO admissions (`+admCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		a.ID, a.PatientID, a.BedID, a.ReservationID, a.Status, a.AdmissionType, a.Priority, a.Reason,
		a.AdmittedAt, a.BedAssignedAt, a.EndedAt, a.EndReason, a.CreatedBy, a.CreatedAt, a.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.ConflictingWorkflow("create_admission", "patient %s already has an open admission", a.PatientID)
	}
	return err
}

func (r *admissionPG) Get(ctx context.Context, id uuid.UUID) (*Admission, error) {
	a, err := scanAdmission(r.conn(ctx).QueryRow(ctx, `SELECT `+admCols+` FROM admissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get_admission", "admission %s not found", id)
	}
	return a, err
}

func (r *admissionPG) Update(ctx context.Context, a *Admission) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE admissions SET
			bed_id=$2, reservation_id=$3, status=$4, admitted_at=$5, bed_assigned_at=$6,
			ended_at=$7, end_reason=$8, updated_at=$9
		WHERE id = $1`,
		a.ID, a.BedID, a.ReservationID, a.Status, a.AdmittedAt, a.BedAssignedAt,
		a.EndedAt, a.EndReason, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectRow(tag, "update_admission", "admission", a.ID)
}

func (r *admissionPG) List(ctx context.Context, f AdmissionFilter) ([]*Admission, error) {
	var w whereBuilder
	if f.PatientID != nil {
		w.add("patient_id = $%d", *f.PatientID)
	}
	if f.BedID != nil {
		w.add("bed_id = $%d", *f.BedID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", stringsOf(f.Statuses))
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+admCols+` FROM admissions`+w.sql()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Admission
	for rows.Next() {
		a, err := scanAdmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAdmission(row scannable) (*Admission, error) {
	var a Admission
	err := row.Scan(&a.ID, &a.PatientID, &a.BedID, &a.ReservationID, &a.Status, &a.AdmissionType,
		&a.Priority, &a.Reason, &a.AdmittedAt, &a.BedAssignedAt, &a.EndedAt, &a.EndReason,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// -- Transfers --

type transferPG struct{ pgBase }

const trCols = `id, admission_id, patient_id, from_bed_id, to_bed_id, reservation_id, status, priority,
	reason, scheduled_for, requested_by, approved_by, decision_note, started_at, completed_at,
	cancel_reason, created_at, updated_at`

func (r *transferPG) Create(ctx context.Context, t *Transfer) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO transfers (`+trCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.AdmissionID, t.PatientID, t.FromBedID, t.ToBedID, t.ReservationID, t.Status, t.Priority,
		t.Reason, t.ScheduledFor, t.RequestedBy, t.ApprovedBy, t.DecisionNote, t.StartedAt, t.CompletedAt,
		t.CancelReason, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *transferPG) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	t, err := scanTransfer(r.conn(ctx).QueryRow(ctx, `SELECT `+trCols+` FROM transfers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get_transfer", "transfer %s not found", id)
	}
	return t, err
}

func (r *transferPG) Update(ctx context.Context, t *Transfer) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transfers SET
			reservation_id=$2, status=$3, scheduled_for=$4, approved_by=$5, decision_note=$6,
			started_at=$7, completed_at=$8, cancel_reason=$9, updated_at=$10
		WHERE id = $1`,
		t.ID, t.ReservationID, t.Status, t.ScheduledFor, t.ApprovedBy, t.DecisionNote,
		t.StartedAt, t.CompletedAt, t.CancelReason, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectRow(tag, "update_transfer", "transfer", t.ID)
}

func (r *transferPG) List(ctx context.Context, f TransferFilter) ([]*Transfer, error) {
	var w whereBuilder
	if f.AdmissionID != nil {
		w.add("admission_id = $%d", *f.AdmissionID)
	}
	if f.PatientID != nil {
		w.add("patient_id = $%d", *f.PatientID)
	}
	if f.BedID != nil {
		w.add("(from_bed_id = $%[1]d OR to_bed_id = $%[1]d)", *f.BedID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", stringsOf(f.Statuses))
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+trCols+` FROM transfers`+w.sql()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransfer(row scannable) (*Transfer, error) {
	var t Transfer
	err := row.Scan(&t.ID, &t.AdmissionID, &t.PatientID, &t.FromBedID, &t.ToBedID, &t.ReservationID,
		&t.Status, &t.Priority, &t.Reason, &t.ScheduledFor, &t.RequestedBy, &t.ApprovedBy,
		&t.DecisionNote, &t.StartedAt, &t.CompletedAt, &t.CancelReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// -- Discharges --

type dischargePG struct{ pgBase }

const disCols = `id, admission_id, patient_id, bed_id, status, disposition, expected_at,
	requested_by, approved_by, completed_at, cancel_reason, created_at, updated_at`

func (r *dischargePG) Create(ctx context.Context, d *Discharge) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO discharges (`+disCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.ID, d.AdmissionID, d.PatientID, d.BedID, d.Status, d.Disposition, d.ExpectedAt,
		d.RequestedBy, d.ApprovedBy, d.CompletedAt, d.CancelReason, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (r *dischargePG) Get(ctx context.Context, id uuid.UUID) (*Discharge, error) {
	d, err := scanDischarge(r.conn(ctx).QueryRow(ctx, `SELECT `+disCols+` FROM discharges WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get_discharge", "discharge %s not found", id)
	}
	return d, err
}

func (r *dischargePG) Update(ctx context.Context, d *Discharge) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE discharges SET
			bed_id=$2, status=$3, expected_at=$4, approved_by=$5, completed_at=$6,
			cancel_reason=$7, updated_at=$8
		WHERE id = $1`,
		d.ID, d.BedID, d.Status, d.ExpectedAt, d.ApprovedBy, d.CompletedAt, d.CancelReason, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectRow(tag, "update_discharge", "discharge", d.ID)
}

func (r *dischargePG) List(ctx context.Context, f DischargeFilter) ([]*Discharge, error) {
	var w whereBuilder
	if f.AdmissionID != nil {
		w.add("admission_id = $%d", *f.AdmissionID)
	}
	if f.PatientID != nil {
		w.add("patient_id = $%d", *f.PatientID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", stringsOf(f.Statuses))
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+disCols+` FROM discharges`+w.sql()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Discharge
	for rows.Next() {
		d, err := scanDischarge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDischarge(row scannable) (*Discharge, error) {
	var d Discharge
	err := row.Scan(&d.ID, &d.AdmissionID, &d.PatientID, &d.BedID, &d.Status, &d.Disposition,
		&d.ExpectedAt, &d.RequestedBy, &d.ApprovedBy, &d.CompletedAt, &d.CancelReason,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

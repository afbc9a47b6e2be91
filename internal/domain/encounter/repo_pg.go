package encounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/frontdesk/internal/platform/db"
	"github.com/ehr/frontdesk/internal/platform/fhir"
	"github.com/ehr/frontdesk/pkg/fhirmodels"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepo returns a Gateway backed by the tenant's Postgres schema.
func NewRepo(pool *pgxpool.Pool) Gateway {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const encCols = `id, patient_id, status, class_code, period_start, period_end,
	extension, version_id, created_at, updated_at`

func (r *repoPG) CreateEncounter(ctx context.Context, patientID string, status fhirmodels.EncounterStatus, period fhir.Period, ext []fhir.Extension) (string, error) {
	if period.Start == nil {
		return "", fmt.Errorf("encounter period start is required")
	}
	raw, err := marshalExtensions(ext)
	if err != nil {
		return "", err
	}
	id := uuid.New()
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter (id, patient_id, status, class_code, period_start, period_end, extension, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1)`,
		id, patientID, string(status), fhirmodels.EncounterClassAmbulatory, *period.Start, period.End, raw,
	)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (r *repoPG) ReadEncounter(ctx context.Context, id string) (*Encounter, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	enc, err := scanEnc(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return enc, err
}

// UpdateEncounter writes the encounter back. A non-zero VersionID must match
// the stored version; zero skips the check.
func (r *repoPG) UpdateEncounter(ctx context.Context, enc *Encounter) (*Encounter, error) {
	uid, err := uuid.Parse(enc.ID)
	if err != nil {
		return nil, ErrNotFound
	}
	raw, err := marshalExtensions(enc.Extension)
	if err != nil {
		return nil, err
	}
	classCode := enc.ClassCode
	if classCode == "" {
		classCode = fhirmodels.EncounterClassAmbulatory
	}
	updated, err := scanEnc(r.conn(ctx).QueryRow(ctx, `
		UPDATE encounter SET
			status=$2, class_code=$3, period_start=$4, period_end=$5, extension=$6,
			version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND ($7 = 0 OR version_id = $7)
		RETURNING `+encCols,
		uid, string(enc.Status), classCode, enc.PeriodStart, enc.PeriodEnd, raw, enc.VersionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if enc.VersionID == 0 {
			return nil, ErrNotFound
		}
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM encounter WHERE id = $1)`, uid).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrVersionConflict
		}
		return nil, ErrNotFound
	}
	return updated, err
}

func (r *repoPG) FindActiveEncounter(ctx context.Context, patientID string) (*Encounter, error) {
	statuses := make([]string, len(fhirmodels.ActiveEncounterStatuses))
	for i, s := range fhirmodels.ActiveEncounterStatuses {
		statuses[i] = string(s)
	}
	enc, err := scanEnc(r.conn(ctx).QueryRow(ctx, `
		SELECT `+encCols+` FROM encounter
		WHERE patient_id = $1 AND status = ANY($2)
		ORDER BY period_start DESC LIMIT 1`, patientID, statuses))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return enc, err
}

func (r *repoPG) SearchEncountersInWindow(ctx context.Context, start, end time.Time) ([]*Encounter, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+encCols+` FROM encounter
		WHERE period_start < $2 AND (period_end IS NULL OR period_end >= $1)
		ORDER BY period_start`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEncs(rows)
}

func (r *repoPG) CreateObservation(ctx context.Context, obs *Observation) error {
	id := uuid.New()
	encID, err := uuid.Parse(obs.EncounterID)
	if err != nil {
		return fmt.Errorf("observation encounter id: %w", err)
	}
	status := obs.Status
	if status == "" {
		status = "final"
	}
	var performer *string
	if obs.PerformerID != "" {
		performer = &obs.PerformerID
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO observation (
			id, patient_id, encounter_id, status, category_code,
			code_system, code_value, code_display,
			value_quantity, value_unit, value_string, effective_datetime, performer_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		id, obs.PatientID, encID, status, obs.CategoryCode,
		obs.CodeSystem, obs.CodeValue, obs.CodeDisplay,
		obs.ValueQuantity, nullable(obs.ValueUnit), nullable(obs.ValueString), obs.EffectiveAt, performer,
	)
	if err != nil {
		return err
	}
	obs.ID = id.String()
	obs.Status = status
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalExtensions(ext []fhir.Extension) ([]byte, error) {
	if ext == nil {
		ext = []fhir.Extension{}
	}
	raw, err := json.Marshal(ext)
	if err != nil {
		return nil, fmt.Errorf("marshal encounter extensions: %w", err)
	}
	return raw, nil
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var (
		e      Encounter
		id     uuid.UUID
		status string
		raw    []byte
	)
	err := row.Scan(
		&id, &e.PatientID, &status, &e.ClassCode, &e.PeriodStart, &e.PeriodEnd,
		&raw, &e.VersionID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ID = id.String()
	e.Status = fhirmodels.EncounterStatus(status)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Extension); err != nil {
			return nil, fmt.Errorf("decode encounter %s extensions: %w", e.ID, err)
		}
	}
	return &e, nil
}

func collectEncs(rows pgx.Rows) ([]*Encounter, error) {
	var encs []*Encounter
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, err
		}
		encs = append(encs, e)
	}
	return encs, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chronotrial/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanTrial(row *sql.Row) (domain.Trial, error) {
	var t domain.Trial
	var started, ended sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.ScheduledAt, &started, &ended, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if started.Valid {
		t.StartedAt = &started.String
	}
	if ended.Valid {
		t.EndedAt = &ended.String
	}
	return t, err
}

func (r Repo) InsertTrial(ctx context.Context, tx *sql.Tx, t domain.Trial) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO trials(name,scheduled_at,started_at,ended_at,created_at) VALUES (?,?,?,?,?)`,
		t.Name, t.ScheduledAt, nullablePtr(t.StartedAt), nullablePtr(t.EndedAt), t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTrial(ctx context.Context, id int64) (domain.Trial, error) {
	return scanTrial(r.DB.QueryRowContext(ctx, `SELECT id,name,scheduled_at,started_at,ended_at,created_at FROM trials WHERE id=?`, id))
}

func (r Repo) GetTrialTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Trial, error) {
	return scanTrial(tx.QueryRowContext(ctx, `SELECT id,name,scheduled_at,started_at,ended_at,created_at FROM trials WHERE id=?`, id))
}

func (r Repo) GetTrialByName(ctx context.Context, name string) (domain.Trial, error) {
	return scanTrial(r.DB.QueryRowContext(ctx, `SELECT id,name,scheduled_at,started_at,ended_at,created_at FROM trials WHERE name=?`, name))
}

type TrialFilters struct {
	Status string
	OnDate string // YYYY-MM-DD, matches the scheduled date
	Limit  int
}

func (r Repo) ListTrials(ctx context.Context, f TrialFilters) ([]domain.Trial, error) {
	var clauses []string
	var args []any
	switch f.Status {
	case domain.TrialScheduled:
		clauses = append(clauses, "started_at IS NULL AND ended_at IS NULL")
	case domain.TrialRunning:
		clauses = append(clauses, "started_at IS NOT NULL AND ended_at IS NULL")
	case domain.TrialFinished:
		clauses = append(clauses, "ended_at IS NOT NULL")
	case "":
	default:
		return nil, fmt.Errorf("unknown trial status %q", f.Status)
	}
	if f.OnDate != "" {
		clauses = append(clauses, "date(scheduled_at)=?")
		args = append(args, f.OnDate)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,name,scheduled_at,started_at,ended_at,created_at FROM trials ` + where + ` ORDER BY scheduled_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trial
	for rows.Next() {
		var t domain.Trial
		var started, ended sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.ScheduledAt, &started, &ended, &t.CreatedAt); err != nil {
			return nil, err
		}
		if started.Valid {
			t.StartedAt = &started.String
		}
		if ended.Valid {
			t.EndedAt = &ended.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// FindRunningTrial returns the trial to resume after a restart: started but
// not ended, scheduled no later than the horizon. When several qualify the
// most recently started wins, then the highest id.
func (r Repo) FindRunningTrial(ctx context.Context, horizon string) (domain.Trial, error) {
	return scanTrial(r.DB.QueryRowContext(ctx, `SELECT id,name,scheduled_at,started_at,ended_at,created_at FROM trials
WHERE started_at IS NOT NULL AND ended_at IS NULL AND scheduled_at <= ?
ORDER BY started_at DESC, id DESC LIMIT 1`, horizon))
}

func (r Repo) SetTrialStarted(ctx context.Context, tx *sql.Tx, id int64, startedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET started_at=? WHERE id=?`, startedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTrialEnded(ctx context.Context, tx *sql.Tx, id int64, endedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET ended_at=? WHERE id=?`, endedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepStaleTrials force-finishes every open trial scheduled before the
// cutoff date. Trials never started get their start stamped too, so the
// lifecycle invariant (end implies start) holds for swept rows.
func (r Repo) SweepStaleTrials(ctx context.Context, tx *sql.Tx, cutoffDate, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE trials SET ended_at=?, started_at=COALESCE(started_at, ?)
WHERE ended_at IS NULL AND date(scheduled_at) < ?`, now, now, cutoffDate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteTrial(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM trials WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOrCreateAthlete resolves an athlete by trimmed, case-insensitive name,
// creating it with the first-seen spelling when absent.
func (r Repo) FindOrCreateAthlete(ctx context.Context, tx *sql.Tx, name, now string) (domain.Athlete, error) {
	name = strings.TrimSpace(name)
	var a domain.Athlete
	err := tx.QueryRowContext(ctx, `SELECT id,name,created_at FROM athletes WHERE name=? COLLATE NOCASE ORDER BY id LIMIT 1`, name).
		Scan(&a.ID, &a.Name, &a.CreatedAt)
	if err == nil {
		return a, nil
	}
	if err != sql.ErrNoRows {
		return a, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO athletes(name,created_at) VALUES (?,?)`, name, now)
	if err != nil {
		return a, err
	}
	a.ID, err = res.LastInsertId()
	a.Name = name
	a.CreatedAt = now
	return a, err
}

// FindOrCreateName resolves a row in a name lookup table (categories or
// modalities) by trimmed, case-insensitive name, creating it when absent.
func (r Repo) FindOrCreateName(ctx context.Context, tx *sql.Tx, table, name string) (int64, error) {
	name = strings.TrimSpace(name)
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM `+table+` WHERE name=? COLLATE NOCASE LIMIT 1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO `+table+`(name) VALUES (?)`, name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCategory(ctx context.Context, id int64) (domain.Category, error) {
	var c domain.Category
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM categories WHERE id=?`, id).Scan(&c.ID, &c.Name)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetModality(ctx context.Context, id int64) (domain.Modality, error) {
	var m domain.Modality
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM modalities WHERE id=?`, id).Scan(&m.ID, &m.Name)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) SearchAthletes(ctx context.Context, query string) ([]domain.Athlete, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM athletes WHERE name LIKE ? COLLATE NOCASE ORDER BY name, id`,
		"%"+strings.TrimSpace(query)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Athlete
	for rows.Next() {
		var a domain.Athlete
		if err := rows.Scan(&a.ID, &a.Name, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertRegistration(ctx context.Context, tx *sql.Tx, reg domain.Registration) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO registrations(trial_id,athlete_id,plate_code,category_id,modality_id,created_at) VALUES (?,?,?,?,?,?)`,
		reg.TrialID, reg.AthleteID, reg.PlateCode, reg.CategoryID, reg.ModalityID, reg.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateRegistration(ctx context.Context, tx *sql.Tx, reg domain.Registration) error {
	res, err := tx.ExecContext(ctx, `UPDATE registrations SET plate_code=?, category_id=?, modality_id=? WHERE id=?`,
		reg.PlateCode, reg.CategoryID, reg.ModalityID, reg.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const registrationColumns = `r.id,r.trial_id,r.athlete_id,r.plate_code,r.category_id,r.modality_id,r.created_at,a.name,c.name,m.name`

const registrationJoins = `FROM registrations r
JOIN athletes a ON a.id=r.athlete_id
JOIN categories c ON c.id=r.category_id
JOIN modalities m ON m.id=r.modality_id`

func scanRegistration(sc interface{ Scan(...any) error }) (domain.Registration, error) {
	var reg domain.Registration
	err := sc.Scan(&reg.ID, &reg.TrialID, &reg.AthleteID, &reg.PlateCode, &reg.CategoryID, &reg.ModalityID,
		&reg.CreatedAt, &reg.AthleteName, &reg.CategoryName, &reg.ModalityName)
	if err == sql.ErrNoRows {
		return reg, ErrNotFound
	}
	return reg, err
}

// GetRegistrationByPlate is the hot path behind every clock stop.
func (r Repo) GetRegistrationByPlate(ctx context.Context, trialID int64, plateCode string) (domain.Registration, error) {
	return scanRegistration(r.DB.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` `+registrationJoins+` WHERE r.trial_id=? AND r.plate_code=?`, trialID, plateCode))
}

func (r Repo) GetRegistration(ctx context.Context, id int64) (domain.Registration, error) {
	return scanRegistration(r.DB.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` `+registrationJoins+` WHERE r.id=?`, id))
}

func (r Repo) ListRegistrationsByTrial(ctx context.Context, trialID int64) ([]domain.Registration, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+registrationColumns+` `+registrationJoins+` WHERE r.trial_id=? ORDER BY r.plate_code, r.id`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, reg)
	}
	return res, rows.Err()
}

// FindRegistrationByAthleteName matches an existing registration in a trial
// by athlete name, case-insensitively. Used for import conflict detection.
func (r Repo) FindRegistrationByAthleteName(ctx context.Context, trialID int64, athleteName string) (domain.Registration, error) {
	return scanRegistration(r.DB.QueryRowContext(ctx,
		`SELECT `+registrationColumns+` `+registrationJoins+` WHERE r.trial_id=? AND a.name=? COLLATE NOCASE ORDER BY r.id LIMIT 1`,
		trialID, strings.TrimSpace(athleteName)))
}

func (r Repo) InsertResult(ctx context.Context, tx *sql.Tx, res domain.Result) (int64, error) {
	out, err := tx.ExecContext(ctx, `INSERT INTO results(registration_id,start_time,end_time,duration_ms,notes,created_at) VALUES (?,?,?,?,?,?)`,
		res.RegistrationID, res.StartTime, res.EndTime, res.DurationMs, nullable(res.Notes), res.CreatedAt)
	if err != nil {
		return 0, err
	}
	return out.LastInsertId()
}

func (r Repo) ListResultsByTrial(ctx context.Context, trialID int64) ([]domain.Result, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT res.id,res.registration_id,res.start_time,res.end_time,res.duration_ms,COALESCE(res.notes,''),res.created_at
FROM results res JOIN registrations r ON r.id=res.registration_id
WHERE r.trial_id=? ORDER BY res.id`, trialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Result
	for rows.Next() {
		var row domain.Result
		if err := rows.Scan(&row.ID, &row.RegistrationID, &row.StartTime, &row.EndTime, &row.DurationMs, &row.Notes, &row.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

func (r Repo) CountResultsByTrial(ctx context.Context, trialID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM results res JOIN registrations r ON r.id=res.registration_id WHERE r.trial_id=?`, trialID).Scan(&n)
	return n, err
}

func (r Repo) DeleteResultsForTrial(ctx context.Context, tx *sql.Tx, trialID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM results WHERE registration_id IN (SELECT id FROM registrations WHERE trial_id=?)`, trialID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, trialID int64, evtType, entityKind string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if trialID > 0 {
		clauses = append(clauses, "trial_id=?")
		args = append(args, trialID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,trial_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var trial sql.NullInt64
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &trial, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		if trial.Valid {
			e.TrialID = &trial.Int64
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

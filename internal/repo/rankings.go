package repo

import (
	"context"
	"fmt"

	"chronotrial/internal/domain"
)

// RankPolicy selects the representative result when a plate finished more
// than once. "current" is the most recent finish, "best" the fastest.
type RankPolicy string

const (
	PolicyCurrent RankPolicy = "current"
	PolicyBest    RankPolicy = "best"
)

func (p RankPolicy) representative() (string, error) {
	switch p {
	case PolicyCurrent, "":
		return `res.id = (SELECT MAX(id) FROM results WHERE registration_id=r.id)`, nil
	case PolicyBest:
		return `res.id = (SELECT id FROM results WHERE registration_id=r.id ORDER BY duration_ms ASC, id ASC LIMIT 1)`, nil
	default:
		return "", fmt.Errorf("unknown ranking policy %q", p)
	}
}

type rankedRow struct {
	AthleteID int64
	Entry     domain.RankingEntry
}

func (r Repo) rank(ctx context.Context, policy RankPolicy, extraClause string, args ...any) ([]rankedRow, error) {
	rep, err := policy.representative()
	if err != nil {
		return nil, err
	}
	query := `SELECT r.athlete_id, r.plate_code, a.name, c.name, m.name, res.start_time, res.end_time, res.duration_ms, COALESCE(res.notes,'')
FROM results res
JOIN registrations r ON r.id=res.registration_id
JOIN athletes a ON a.id=r.athlete_id
JOIN categories c ON c.id=r.category_id
JOIN modalities m ON m.id=r.modality_id
WHERE ` + extraClause + ` AND ` + rep + `
ORDER BY res.duration_ms ASC, res.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rankedRow
	for rows.Next() {
		var row rankedRow
		if err := rows.Scan(&row.AthleteID, &row.Entry.PlateCode, &row.Entry.AthleteName, &row.Entry.CategoryName,
			&row.Entry.ModalityName, &row.Entry.StartTime, &row.Entry.EndTime, &row.Entry.DurationMs, &row.Entry.Notes); err != nil {
			return nil, err
		}
		row.Entry.Position = len(out) + 1
		out = append(out, row)
	}
	return out, rows.Err()
}

func entries(rows []rankedRow) []domain.RankingEntry {
	out := make([]domain.RankingEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Entry)
	}
	return out
}

func (r Repo) RankTrial(ctx context.Context, trialID int64, policy RankPolicy) ([]domain.RankingEntry, error) {
	rows, err := r.rank(ctx, policy, `r.trial_id=?`, trialID)
	return entries(rows), err
}

func (r Repo) RankByCategory(ctx context.Context, trialID int64, category string, policy RankPolicy) ([]domain.RankingEntry, error) {
	rows, err := r.rank(ctx, policy, `r.trial_id=? AND c.name=? COLLATE NOCASE`, trialID, category)
	return entries(rows), err
}

func (r Repo) RankByModality(ctx context.Context, trialID int64, modality string, policy RankPolicy) ([]domain.RankingEntry, error) {
	rows, err := r.rank(ctx, policy, `r.trial_id=? AND m.name=? COLLATE NOCASE`, trialID, modality)
	return entries(rows), err
}

// CrossTrialRanking aggregates athletes across every trial: participation
// count, best and average time, then a per-trial placement breakdown.
// Ordered by participations descending, then average time ascending.
func (r Repo) CrossTrialRanking(ctx context.Context) ([]domain.CrossTrialEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id, a.name,
COUNT(DISTINCT r.trial_id) AS participations,
MIN(res.duration_ms) AS best_ms,
AVG(res.duration_ms) AS average_ms
FROM athletes a
JOIN registrations r ON r.athlete_id=a.id
JOIN results res ON res.registration_id=r.id
GROUP BY a.id, a.name
ORDER BY participations DESC, average_ms ASC, a.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CrossTrialEntry
	index := map[int64]int{}
	for rows.Next() {
		var e domain.CrossTrialEntry
		if err := rows.Scan(&e.AthleteID, &e.AthleteName, &e.Participations, &e.BestMs, &e.AverageMs); err != nil {
			return nil, err
		}
		index[e.AthleteID] = len(out)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	trials, err := r.trialsWithResults(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range trials {
		ranked, err := r.rank(ctx, PolicyCurrent, `r.trial_id=?`, t.ID)
		if err != nil {
			return nil, err
		}
		for _, row := range ranked {
			i, ok := index[row.AthleteID]
			if !ok {
				continue
			}
			out[i].Positions = append(out[i].Positions, domain.TrialPosition{
				TrialID:    t.ID,
				TrialName:  t.Name,
				Position:   row.Entry.Position,
				DurationMs: row.Entry.DurationMs,
			})
		}
	}
	return out, nil
}

func (r Repo) trialsWithResults(ctx context.Context) ([]domain.Trial, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT t.id, t.name FROM trials t
JOIN registrations r ON r.trial_id=t.id
JOIN results res ON res.registration_id=r.id
ORDER BY t.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trial
	for rows.Next() {
		var t domain.Trial
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EventStatistics aggregates totals, top athletes by participation, and
// registration counts per category and modality.
func (r Repo) EventStatistics(ctx context.Context) (domain.Statistics, error) {
	var s domain.Statistics
	err := r.DB.QueryRowContext(ctx, `SELECT
(SELECT count(*) FROM trials),
(SELECT count(*) FROM trials WHERE ended_at IS NOT NULL),
(SELECT count(*) FROM trials WHERE ended_at IS NULL),
(SELECT count(*) FROM registrations),
(SELECT count(*) FROM results)`).
		Scan(&s.Trials, &s.FinishedTrials, &s.PendingTrials, &s.Registrations, &s.Results)
	if err != nil {
		return s, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT a.name, COUNT(DISTINCT r.trial_id) AS cnt
FROM athletes a JOIN registrations r ON r.athlete_id=a.id
GROUP BY a.id, a.name ORDER BY cnt DESC, a.name ASC LIMIT 3`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var ac domain.AthleteCount
		if err := rows.Scan(&ac.AthleteName, &ac.Count); err != nil {
			return s, err
		}
		s.TopAthletes = append(s.TopAthletes, ac)
	}
	if err := rows.Err(); err != nil {
		return s, err
	}
	s.ByCategory, err = r.countByName(ctx, "categories", "category_id")
	if err != nil {
		return s, err
	}
	s.ByModality, err = r.countByName(ctx, "modalities", "modality_id")
	return s, err
}

func (r Repo) countByName(ctx context.Context, table, fk string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT n.name, count(*) FROM registrations r JOIN %s n ON n.id=r.%s GROUP BY n.name`, table, fk))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, rows.Err()
}

// TrialSummary reports registration/finisher counts and duration spread for
// one trial, computed over the most recent result per plate.
func (r Repo) TrialSummary(ctx context.Context, trial domain.Trial) (domain.TrialSummary, error) {
	s := domain.TrialSummary{TrialID: trial.ID, TrialName: trial.Name, Status: trial.Status()}
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM registrations WHERE trial_id=?`, trial.ID).Scan(&s.Registrations)
	if err != nil {
		return s, err
	}
	err = r.DB.QueryRowContext(ctx, `SELECT count(*), COALESCE(MIN(res.duration_ms),0), COALESCE(MAX(res.duration_ms),0), COALESCE(AVG(res.duration_ms),0)
FROM results res JOIN registrations r ON r.id=res.registration_id
WHERE r.trial_id=? AND res.id = (SELECT MAX(id) FROM results WHERE registration_id=r.id)`, trial.ID).
		Scan(&s.Finishers, &s.FastestMs, &s.SlowestMs, &s.AverageMs)
	if err != nil {
		return s, err
	}
	s.Pending = s.Registrations - s.Finishers
	return s, nil
}

// ValidateIntegrity scans for orphaned references and duplicate plates.
// Read-only; the schema constraints should keep this empty, so any finding
// signals a constraint-enforcement bug or out-of-band writes.
func (r Repo) ValidateIntegrity(ctx context.Context) ([]domain.Finding, error) {
	var findings []domain.Finding
	orphans := []struct {
		kind  string
		query string
		msg   string
	}{
		{"orphan_athlete", `SELECT r.id, r.athlete_id FROM registrations r LEFT JOIN athletes a ON a.id=r.athlete_id WHERE a.id IS NULL`,
			"registration %d references missing athlete %d"},
		{"orphan_category", `SELECT r.id, r.category_id FROM registrations r LEFT JOIN categories c ON c.id=r.category_id WHERE c.id IS NULL`,
			"registration %d references missing category %d"},
		{"orphan_modality", `SELECT r.id, r.modality_id FROM registrations r LEFT JOIN modalities m ON m.id=r.modality_id WHERE m.id IS NULL`,
			"registration %d references missing modality %d"},
		{"orphan_registration", `SELECT res.id, res.registration_id FROM results res LEFT JOIN registrations r ON r.id=res.registration_id WHERE r.id IS NULL`,
			"result %d references missing registration %d"},
	}
	for _, o := range orphans {
		rows, err := r.DB.QueryContext(ctx, o.query)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, ref int64
			if err := rows.Scan(&id, &ref); err != nil {
				rows.Close()
				return nil, err
			}
			findings = append(findings, domain.Finding{Kind: o.kind, Message: fmt.Sprintf(o.msg, id, ref)})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT trial_id, plate_code, count(*) FROM registrations GROUP BY trial_id, plate_code HAVING count(*) > 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var trialID int64
		var plate string
		var count int
		if err := rows.Scan(&trialID, &plate, &count); err != nil {
			return nil, err
		}
		findings = append(findings, domain.Finding{
			Kind:    "duplicate_plate",
			Message: fmt.Sprintf("trial %d has %d registrations for plate %s", trialID, count, plate),
		})
	}
	return findings, rows.Err()
}

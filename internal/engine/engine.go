package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chronotrial/internal/config"
	"chronotrial/internal/domain"
	"chronotrial/internal/events"
	"chronotrial/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: time.Now},
		Config: cfg,
		Now:    time.Now,
	}
}

// WithClock returns a copy of the engine whose mutations and event rows
// are both stamped by the given clock.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateTrial schedules a new trial. Names are unique; the scheduled time
// must parse as RFC 3339 and must not lie in the past.
func (e Engine) CreateTrial(ctx context.Context, name, scheduledAt string) (domain.Trial, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Trial{}, validationf("trial name is required")
	}
	scheduled, err := time.Parse(time.RFC3339, scheduledAt)
	if err != nil {
		return domain.Trial{}, validationf("scheduled time: %v", err)
	}
	if scheduled.Before(e.now()) {
		return domain.Trial{}, validationf("scheduled time is in the past")
	}
	if _, err := e.Repo.GetTrialByName(ctx, name); err == nil {
		return domain.Trial{}, validationf("trial %q already exists", name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Trial{}, err
	}
	t := domain.Trial{
		Name:        name,
		ScheduledAt: scheduled.UTC().Format(time.RFC3339),
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trial{}, err
	}
	defer tx.Rollback()

	t.ID, err = e.Repo.InsertTrial(ctx, tx, t)
	if err != nil {
		return domain.Trial{}, fmt.Errorf("insert trial: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "trial.created", t.ID, "trial", itoa(t.ID), events.EventPayload{"name": t.Name, "scheduled_at": t.ScheduledAt}); err != nil {
		return domain.Trial{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trial{}, err
	}
	return t, nil
}

// StartTrial transitions a scheduled trial to running. When results from a
// prior run exist the caller must pass wipeResults to confirm deleting them;
// the wipe and the start commit together.
func (e Engine) StartTrial(ctx context.Context, id int64, wipeResults bool) (domain.Trial, error) {
	t, err := e.Repo.GetTrial(ctx, id)
	if err != nil {
		return t, err
	}
	switch t.Status() {
	case domain.TrialRunning:
		return t, statef("trial %d is already running", id)
	case domain.TrialFinished:
		return t, statef("trial %d is finished", id)
	}
	count, err := e.Repo.CountResultsByTrial(ctx, id)
	if err != nil {
		return t, err
	}
	if count > 0 && !wipeResults {
		return t, fmt.Errorf("%w: %d results; restart with wipe to delete them", ErrHasResults, count)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	wiped := int64(0)
	if count > 0 {
		wiped, err = e.Repo.DeleteResultsForTrial(ctx, tx, id)
		if err != nil {
			return t, err
		}
	}
	started := e.nowStr()
	if err := e.Repo.SetTrialStarted(ctx, tx, id, started); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "trial.started", id, "trial", itoa(id), events.EventPayload{"wiped_results": wiped}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.StartedAt = &started
	return t, nil
}

// StopTrial transitions a running trial to finished. Stopping a trial that
// is not running fails with a state error and leaves the row unchanged.
func (e Engine) StopTrial(ctx context.Context, id int64) (domain.Trial, error) {
	t, err := e.Repo.GetTrial(ctx, id)
	if err != nil {
		return t, err
	}
	if t.Status() != domain.TrialRunning {
		return t, statef("trial %d is not running", id)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	ended := e.nowStr()
	if err := e.Repo.SetTrialEnded(ctx, tx, id, ended); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "trial.stopped", id, "trial", itoa(id), events.EventPayload{"ended_at": ended}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	t.EndedAt = &ended
	return t, nil
}

// SweepStaleTrials force-finishes every open trial whose scheduled date is
// older than windowDays before today. Running it again is a no-op.
func (e Engine) SweepStaleTrials(ctx context.Context, windowDays int) (int64, error) {
	if windowDays <= 0 {
		windowDays = e.Config.Timing.StaleWindowDays
	}
	cutoff := e.now().UTC().AddDate(0, 0, -windowDays).Format("2006-01-02")
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	swept, err := e.Repo.SweepStaleTrials(ctx, tx, cutoff, e.nowStr())
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		if err := e.Events.Append(ctx, tx, "trial.swept", 0, "trial", "", events.EventPayload{"count": swept, "cutoff": cutoff}); err != nil {
			return 0, err
		}
	}
	return swept, tx.Commit()
}

// FindRunningTrial locates the trial to resume after an application restart.
func (e Engine) FindRunningTrial(ctx context.Context, windowDays int) (domain.Trial, error) {
	if windowDays <= 0 {
		windowDays = e.Config.Timing.StaleWindowDays
	}
	horizon := e.now().UTC().AddDate(0, 0, windowDays).Format(time.RFC3339)
	return e.Repo.FindRunningTrial(ctx, horizon)
}

// RegisterOptions are parameters for registering a participant.
type RegisterOptions struct {
	TrialID      int64
	AthleteName  string
	PlateCode    string
	CategoryName string
	ModalityName string
}

// Register binds an athlete to a trial under a plate code. Athlete, category
// and modality are resolved by name, created on first use. Fails without
// touching the store when the plate is already taken.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (domain.Registration, error) {
	opts.AthleteName = strings.TrimSpace(opts.AthleteName)
	opts.PlateCode = strings.TrimSpace(opts.PlateCode)
	opts.CategoryName = strings.TrimSpace(opts.CategoryName)
	opts.ModalityName = strings.TrimSpace(opts.ModalityName)
	if opts.PlateCode == "" {
		return domain.Registration{}, validationf("plate code is required")
	}
	if opts.AthleteName == "" {
		return domain.Registration{}, validationf("athlete name is required")
	}
	if opts.CategoryName == "" {
		return domain.Registration{}, validationf("category is required")
	}
	if opts.ModalityName == "" {
		return domain.Registration{}, validationf("modality is required")
	}
	if _, err := e.Repo.GetTrial(ctx, opts.TrialID); err != nil {
		return domain.Registration{}, err
	}
	if _, err := e.Repo.GetRegistrationByPlate(ctx, opts.TrialID, opts.PlateCode); err == nil {
		return domain.Registration{}, ErrDuplicatePlate
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Registration{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Registration{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	athlete, err := e.Repo.FindOrCreateAthlete(ctx, tx, opts.AthleteName, now)
	if err != nil {
		return domain.Registration{}, err
	}
	categoryID, err := e.Repo.FindOrCreateName(ctx, tx, "categories", opts.CategoryName)
	if err != nil {
		return domain.Registration{}, err
	}
	modalityID, err := e.Repo.FindOrCreateName(ctx, tx, "modalities", opts.ModalityName)
	if err != nil {
		return domain.Registration{}, err
	}
	reg := domain.Registration{
		TrialID:      opts.TrialID,
		AthleteID:    athlete.ID,
		PlateCode:    opts.PlateCode,
		CategoryID:   categoryID,
		ModalityID:   modalityID,
		CreatedAt:    now,
		AthleteName:  athlete.Name,
		CategoryName: opts.CategoryName,
		ModalityName: opts.ModalityName,
	}
	reg.ID, err = e.Repo.InsertRegistration(ctx, tx, reg)
	if err != nil {
		return domain.Registration{}, duplicatePlate(err)
	}
	if err := e.Events.Append(ctx, tx, "registration.created", opts.TrialID, "registration", itoa(reg.ID), events.EventPayload{
		"plate": reg.PlateCode, "athlete": athlete.Name,
	}); err != nil {
		return domain.Registration{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Registration{}, err
	}
	return reg, nil
}

// UpdateRegistrationOptions carries correction fields; empty strings keep
// the current value.
type UpdateRegistrationOptions struct {
	ID           int64
	PlateCode    string
	CategoryName string
	ModalityName string
}

func (e Engine) UpdateRegistration(ctx context.Context, opts UpdateRegistrationOptions) (domain.Registration, error) {
	reg, err := e.Repo.GetRegistration(ctx, opts.ID)
	if err != nil {
		return reg, err
	}
	plate := strings.TrimSpace(opts.PlateCode)
	if plate != "" && plate != reg.PlateCode {
		if existing, err := e.Repo.GetRegistrationByPlate(ctx, reg.TrialID, plate); err == nil && existing.ID != reg.ID {
			return reg, ErrDuplicatePlate
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return reg, err
		}
		reg.PlateCode = plate
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return reg, err
	}
	defer tx.Rollback()

	if name := strings.TrimSpace(opts.CategoryName); name != "" {
		reg.CategoryID, err = e.Repo.FindOrCreateName(ctx, tx, "categories", name)
		if err != nil {
			return reg, err
		}
		reg.CategoryName = name
	}
	if name := strings.TrimSpace(opts.ModalityName); name != "" {
		reg.ModalityID, err = e.Repo.FindOrCreateName(ctx, tx, "modalities", name)
		if err != nil {
			return reg, err
		}
		reg.ModalityName = name
	}
	if err := e.Repo.UpdateRegistration(ctx, tx, reg); err != nil {
		return reg, duplicatePlate(err)
	}
	if err := e.Events.Append(ctx, tx, "registration.updated", reg.TrialID, "registration", itoa(reg.ID), events.EventPayload{
		"plate": reg.PlateCode,
	}); err != nil {
		return reg, err
	}
	return reg, tx.Commit()
}

// RecordResult persists one timed finish for a plate. The trial must be
// running; repeated finishes for the same plate are all retained.
func (e Engine) RecordResult(ctx context.Context, trialID int64, plateCode string, start, end time.Time, notes string) (domain.Result, error) {
	t, err := e.Repo.GetTrial(ctx, trialID)
	if err != nil {
		return domain.Result{}, err
	}
	if t.Status() != domain.TrialRunning {
		return domain.Result{}, statef("trial %d is not running", trialID)
	}
	reg, err := e.Repo.GetRegistrationByPlate(ctx, trialID, strings.TrimSpace(plateCode))
	if err != nil {
		return domain.Result{}, err
	}
	durationMs := end.Sub(start).Milliseconds()
	if durationMs <= 0 {
		return domain.Result{}, fmt.Errorf("%w: start %s, end %s", ErrInvalidDuration, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	res := domain.Result{
		RegistrationID: reg.ID,
		StartTime:      start.UTC().Format(time.RFC3339),
		EndTime:        end.UTC().Format(time.RFC3339),
		DurationMs:     durationMs,
		Notes:          notes,
		CreatedAt:      e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	res.ID, err = e.Repo.InsertResult(ctx, tx, res)
	if err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, "result.recorded", trialID, "result", itoa(res.ID), events.EventPayload{
		"plate": reg.PlateCode, "duration_ms": durationMs,
	}); err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// FinishOutcome is the per-plate outcome of a batch finish.
type FinishOutcome struct {
	PlateCode  string `json:"plate_code"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RecordFinish is the operator hot path: a comma-separated plate batch
// stamped with one finish instant, timed from the trial's start. A bad
// plate never aborts the rest of the batch.
func (e Engine) RecordFinish(ctx context.Context, trialID int64, plates string, end time.Time, notes string) ([]FinishOutcome, error) {
	t, err := e.Repo.GetTrial(ctx, trialID)
	if err != nil {
		return nil, err
	}
	if t.Status() != domain.TrialRunning {
		return nil, statef("trial %d is not running", trialID)
	}
	start, err := time.Parse(time.RFC3339, *t.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("trial %d start time: %w", trialID, err)
	}
	var outcomes []FinishOutcome
	for _, plate := range strings.Split(plates, ",") {
		plate = strings.TrimSpace(plate)
		if plate == "" {
			continue
		}
		res, err := e.RecordResult(ctx, trialID, plate, start, end, notes)
		if err != nil {
			outcomes = append(outcomes, FinishOutcome{PlateCode: plate, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, FinishOutcome{PlateCode: plate, DurationMs: res.DurationMs})
	}
	return outcomes, nil
}

// DeleteResultsForTrial clears all recorded results, used by the restart
// confirmation flow.
func (e Engine) DeleteResultsForTrial(ctx context.Context, trialID int64) (int64, error) {
	if _, err := e.Repo.GetTrial(ctx, trialID); err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	deleted, err := e.Repo.DeleteResultsForTrial(ctx, tx, trialID)
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "results.cleared", trialID, "trial", itoa(trialID), events.EventPayload{"count": deleted}); err != nil {
		return 0, err
	}
	return deleted, tx.Commit()
}

// ParsePolicy maps the user-facing policy name onto the repo policy.
func ParsePolicy(s string) (repo.RankPolicy, error) {
	switch s {
	case "", "current":
		return repo.PolicyCurrent, nil
	case "best":
		return repo.PolicyBest, nil
	default:
		return "", validationf("unknown ranking policy %q (use current or best)", s)
	}
}

func itoa(v int64) string {
	return fmt.Sprintf("%d", v)
}

package server

import (
	"chronotrial/internal/domain"
	"chronotrial/internal/engine"
	"chronotrial/internal/report"
)

// Request payloads

type RecordFinishRequest struct {
	Plates  string `json:"plates" example:"101,204,307"`
	EndTime string `json:"end_time,omitempty" format:"date-time"`
	Notes   string `json:"notes,omitempty"`
}

// Response payloads

type TrialResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Status      string  `json:"status" enum:"scheduled,running,finished"`
	ScheduledAt string  `json:"scheduled_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt     *string `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type RegistrationResponse struct {
	ID        int64  `json:"id"`
	TrialID   int64  `json:"trial_id"`
	PlateCode string `json:"plate_code"`
	Athlete   string `json:"athlete"`
	Category  string `json:"category"`
	Modality  string `json:"modality"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ResultResponse struct {
	ID             int64  `json:"id"`
	RegistrationID int64  `json:"registration_id"`
	StartTime      string `json:"start_time" format:"date-time"`
	EndTime        string `json:"end_time" format:"date-time"`
	DurationMs     int64  `json:"duration_ms"`
	Notes          string `json:"notes,omitempty"`
}

type RankingEntryResponse struct {
	Position   int    `json:"position"`
	PlateCode  string `json:"plate_code"`
	Athlete    string `json:"athlete"`
	Category   string `json:"category"`
	Modality   string `json:"modality"`
	DurationMs int64  `json:"duration_ms"`
	Duration   string `json:"duration"`
	Notes      string `json:"notes,omitempty"`
}

type TrialPositionResponse struct {
	TrialID    int64  `json:"trial_id"`
	TrialName  string `json:"trial_name"`
	Position   int    `json:"position"`
	DurationMs int64  `json:"duration_ms"`
}

type CrossTrialEntryResponse struct {
	Athlete        string                  `json:"athlete"`
	Participations int                     `json:"participations"`
	BestMs         int64                   `json:"best_ms"`
	AverageMs      float64                 `json:"average_ms"`
	Positions      []TrialPositionResponse `json:"positions"`
}

type SummaryResponse struct {
	TrialID       int64   `json:"trial_id"`
	TrialName     string  `json:"trial_name"`
	Status        string  `json:"status" enum:"scheduled,running,finished"`
	Registrations int     `json:"registrations"`
	Finishers     int     `json:"finishers"`
	Pending       int     `json:"pending"`
	FastestMs     int64   `json:"fastest_ms,omitempty"`
	SlowestMs     int64   `json:"slowest_ms,omitempty"`
	AverageMs     float64 `json:"average_ms,omitempty"`
}

type StatisticsResponse struct {
	Trials         int                 `json:"trials"`
	FinishedTrials int                 `json:"finished_trials"`
	PendingTrials  int                 `json:"pending_trials"`
	Registrations  int                 `json:"registrations"`
	Results        int                 `json:"results"`
	TopAthletes    []AthleteCountEntry `json:"top_athletes"`
	ByCategory     map[string]int      `json:"by_category"`
	ByModality     map[string]int      `json:"by_modality"`
}

type AthleteCountEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type FindingResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type IntegrityResponse struct {
	OK       bool              `json:"ok"`
	Findings []FindingResponse `json:"findings"`
}

type FinishBatchResponse struct {
	Outcomes []engine.FinishOutcome `json:"outcomes"`
}

// Mapping helpers

func trialResponse(t domain.Trial) TrialResponse {
	return TrialResponse{
		ID:          t.ID,
		Name:        t.Name,
		Status:      t.Status(),
		ScheduledAt: t.ScheduledAt,
		StartedAt:   t.StartedAt,
		EndedAt:     t.EndedAt,
		CreatedAt:   t.CreatedAt,
	}
}

func mapTrials(items []domain.Trial) []TrialResponse {
	res := make([]TrialResponse, 0, len(items))
	for _, t := range items {
		res = append(res, trialResponse(t))
	}
	return res
}

func registrationResponse(r domain.Registration) RegistrationResponse {
	return RegistrationResponse{
		ID:        r.ID,
		TrialID:   r.TrialID,
		PlateCode: r.PlateCode,
		Athlete:   r.AthleteName,
		Category:  r.CategoryName,
		Modality:  r.ModalityName,
		CreatedAt: r.CreatedAt,
	}
}

func mapRegistrations(items []domain.Registration) []RegistrationResponse {
	res := make([]RegistrationResponse, 0, len(items))
	for _, r := range items {
		res = append(res, registrationResponse(r))
	}
	return res
}

func mapResults(items []domain.Result) []ResultResponse {
	res := make([]ResultResponse, 0, len(items))
	for _, r := range items {
		res = append(res, ResultResponse{
			ID:             r.ID,
			RegistrationID: r.RegistrationID,
			StartTime:      r.StartTime,
			EndTime:        r.EndTime,
			DurationMs:     r.DurationMs,
			Notes:          r.Notes,
		})
	}
	return res
}

func mapRankingEntries(items []domain.RankingEntry) []RankingEntryResponse {
	res := make([]RankingEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, RankingEntryResponse{
			Position:   e.Position,
			PlateCode:  e.PlateCode,
			Athlete:    e.AthleteName,
			Category:   e.CategoryName,
			Modality:   e.ModalityName,
			DurationMs: e.DurationMs,
			Duration:   report.FormatDuration(e.DurationMs),
			Notes:      e.Notes,
		})
	}
	return res
}

func mapCrossTrialEntries(items []domain.CrossTrialEntry) []CrossTrialEntryResponse {
	res := make([]CrossTrialEntryResponse, 0, len(items))
	for _, e := range items {
		positions := make([]TrialPositionResponse, 0, len(e.Positions))
		for _, p := range e.Positions {
			positions = append(positions, TrialPositionResponse{
				TrialID:    p.TrialID,
				TrialName:  p.TrialName,
				Position:   p.Position,
				DurationMs: p.DurationMs,
			})
		}
		res = append(res, CrossTrialEntryResponse{
			Athlete:        e.AthleteName,
			Participations: e.Participations,
			BestMs:         e.BestMs,
			AverageMs:      e.AverageMs,
			Positions:      positions,
		})
	}
	return res
}

func summaryResponse(s domain.TrialSummary) SummaryResponse {
	return SummaryResponse{
		TrialID:       s.TrialID,
		TrialName:     s.TrialName,
		Status:        s.Status,
		Registrations: s.Registrations,
		Finishers:     s.Finishers,
		Pending:       s.Pending,
		FastestMs:     s.FastestMs,
		SlowestMs:     s.SlowestMs,
		AverageMs:     s.AverageMs,
	}
}

func statisticsResponse(s domain.Statistics) StatisticsResponse {
	top := make([]AthleteCountEntry, 0, len(s.TopAthletes))
	for _, a := range s.TopAthletes {
		top = append(top, AthleteCountEntry{Name: a.AthleteName, Count: a.Count})
	}
	return StatisticsResponse{
		Trials:         s.Trials,
		FinishedTrials: s.FinishedTrials,
		PendingTrials:  s.PendingTrials,
		Registrations:  s.Registrations,
		Results:        s.Results,
		TopAthletes:    top,
		ByCategory:     s.ByCategory,
		ByModality:     s.ByModality,
	}
}

func integrityResponse(findings []domain.Finding) IntegrityResponse {
	res := IntegrityResponse{OK: len(findings) == 0, Findings: []FindingResponse{}}
	for _, f := range findings {
		res.Findings = append(res.Findings, FindingResponse{Kind: f.Kind, Message: f.Message})
	}
	return res
}

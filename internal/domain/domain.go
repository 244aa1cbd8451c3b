package domain

// Trial statuses are derived from the timestamps: scheduled until
// started_at is set, running until ended_at is set, finished after.
const (
	TrialScheduled = "scheduled"
	TrialRunning   = "running"
	TrialFinished  = "finished"
)

type Trial struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	ScheduledAt string  `json:"scheduled_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt     *string `json:"ended_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Status derives the lifecycle state from the nullable timestamps.
func (t Trial) Status() string {
	switch {
	case t.EndedAt != nil:
		return TrialFinished
	case t.StartedAt != nil:
		return TrialRunning
	default:
		return TrialScheduled
	}
}

type Athlete struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Modality struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Registration struct {
	ID         int64  `json:"id"`
	TrialID    int64  `json:"trial_id"`
	AthleteID  int64  `json:"athlete_id"`
	PlateCode  string `json:"plate_code"`
	CategoryID int64  `json:"category_id"`
	ModalityID int64  `json:"modality_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`

	// Joined names, populated by listing queries.
	AthleteName  string `json:"athlete_name,omitempty"`
	CategoryName string `json:"category_name,omitempty"`
	ModalityName string `json:"modality_name,omitempty"`
}

type Result struct {
	ID             int64  `json:"id"`
	RegistrationID int64  `json:"registration_id"`
	StartTime      string `json:"start_time" format:"date-time"`
	EndTime        string `json:"end_time" format:"date-time"`
	DurationMs     int64  `json:"duration_ms"`
	Notes          string `json:"notes,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// RankingEntry is one row of a trial/category/modality ranking.
type RankingEntry struct {
	Position     int    `json:"position"`
	PlateCode    string `json:"plate_code"`
	AthleteName  string `json:"athlete_name"`
	CategoryName string `json:"category_name"`
	ModalityName string `json:"modality_name"`
	StartTime    string `json:"start_time" format:"date-time"`
	EndTime      string `json:"end_time" format:"date-time"`
	DurationMs   int64  `json:"duration_ms"`
	Notes        string `json:"notes,omitempty"`
}

// TrialPosition is one within-trial placement in a cross-trial breakdown.
type TrialPosition struct {
	TrialID    int64  `json:"trial_id"`
	TrialName  string `json:"trial_name"`
	Position   int    `json:"position"`
	DurationMs int64  `json:"duration_ms"`
}

type CrossTrialEntry struct {
	AthleteID      int64           `json:"athlete_id"`
	AthleteName    string          `json:"athlete_name"`
	Participations int             `json:"participations"`
	BestMs         int64           `json:"best_ms"`
	AverageMs      float64         `json:"average_ms"`
	Positions      []TrialPosition `json:"positions,omitempty"`
}

type AthleteCount struct {
	AthleteName string `json:"athlete_name"`
	Count       int    `json:"count"`
}

type Statistics struct {
	Trials         int            `json:"trials"`
	FinishedTrials int            `json:"finished_trials"`
	PendingTrials  int            `json:"pending_trials"`
	Registrations  int            `json:"registrations"`
	Results        int            `json:"results"`
	TopAthletes    []AthleteCount `json:"top_athletes,omitempty"`
	ByCategory     map[string]int `json:"by_category,omitempty"`
	ByModality     map[string]int `json:"by_modality,omitempty"`
}

// TrialSummary is the per-trial headline used by report headers.
type TrialSummary struct {
	TrialID       int64   `json:"trial_id"`
	TrialName     string  `json:"trial_name"`
	Status        string  `json:"status"`
	Registrations int     `json:"registrations"`
	Finishers     int     `json:"finishers"`
	Pending       int     `json:"pending"`
	FastestMs     int64   `json:"fastest_ms"`
	SlowestMs     int64   `json:"slowest_ms"`
	AverageMs     float64 `json:"average_ms"`
}

// Finding is one integrity issue located by a scan.
type Finding struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TrialID    *int64 `json:"trial_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

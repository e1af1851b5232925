package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/commandpost/decision-impact/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateDecision(ctx context.Context, d models.Decision) (models.Decision, error)
	GetDecision(ctx context.Context, id uuid.UUID) (models.Decision, error)
	ListDecisions(ctx context.Context) ([]models.Decision, error)
	ResolveDecision(ctx context.Context, id uuid.UUID, optionID string) (models.Decision, error)

	CreateTracking(ctx context.Context, tr models.DecisionTracking) (models.DecisionTracking, error)
	GetTracking(ctx context.Context, id uuid.UUID) (models.DecisionTracking, error)
	GetTrackingByDecision(ctx context.Context, decisionID uuid.UUID) (models.DecisionTracking, error)
	ListActiveTrackings(ctx context.Context) ([]models.DecisionTracking, error)
	SaveTracking(ctx context.Context, tr models.DecisionTracking) (models.DecisionTracking, error)

	UpsertDimension(ctx context.Context, d models.DimensionConfig) (models.DimensionConfig, error)
	GetDimension(ctx context.Context, name models.Domain) (models.DimensionConfig, error)
	ListDimensions(ctx context.Context) ([]models.DimensionConfig, error)

	Ping(ctx context.Context) error
}

// PGStore persists decisions and tracking records in Postgres. Nested
// structures (options, outcomes, discrepancies, learnings) live in jsonb
// columns: the engines always read and write whole records, so relational
// decomposition would buy nothing.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

func (s *PGStore) CreateDecision(ctx context.Context, d models.Decision) (models.Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	contextJSON, err := marshal(d.Context)
	if err != nil {
		return models.Decision{}, err
	}
	optionsJSON, err := marshal(d.Options)
	if err != nil {
		return models.Decision{}, err
	}
	risksJSON, err := marshal(d.RiskFactors)
	if err != nil {
		return models.Decision{}, err
	}
	routing := d.Routing
	if len(routing) == 0 {
		routing = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO decisions (id, title, description, urgency, deadline, context, options, risk_factors, roe_status, routing, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at
	`
	if err := s.db.QueryRowContext(ctx, query,
		d.ID, d.Title, d.Description, d.Urgency, d.Deadline,
		contextJSON, optionsJSON, risksJSON, d.ROEStatus, routing, d.Status,
	).Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	return d, nil
}

const decisionColumns = `
	id, title, description, urgency, deadline, context, options, risk_factors,
	roe_status, routing, status, selected_option_id, created_at, updated_at
`

func scanDecision(scan func(dest ...interface{}) error) (models.Decision, error) {
	var (
		d              models.Decision
		deadline       sql.NullTime
		contextRaw     []byte
		optionsRaw     []byte
		risksRaw       []byte
		roeStatus      sql.NullString
		routing        []byte
		selectedOption sql.NullString
	)
	err := scan(
		&d.ID, &d.Title, &d.Description, &d.Urgency, &deadline,
		&contextRaw, &optionsRaw, &risksRaw,
		&roeStatus, &routing, &d.Status, &selectedOption,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return models.Decision{}, err
	}
	if deadline.Valid {
		t := deadline.Time
		d.Deadline = &t
	}
	if err := json.Unmarshal(contextRaw, &d.Context); err != nil {
		return models.Decision{}, fmt.Errorf("decode decision context: %w", err)
	}
	if err := json.Unmarshal(optionsRaw, &d.Options); err != nil {
		return models.Decision{}, fmt.Errorf("decode decision options: %w", err)
	}
	if len(risksRaw) > 0 {
		if err := json.Unmarshal(risksRaw, &d.RiskFactors); err != nil {
			return models.Decision{}, fmt.Errorf("decode risk factors: %w", err)
		}
	}
	if roeStatus.Valid {
		d.ROEStatus = &roeStatus.String
	}
	if len(routing) > 0 {
		d.Routing = append(json.RawMessage(nil), routing...)
	}
	if selectedOption.Valid {
		d.SelectedOptionID = &selectedOption.String
	}
	return d, nil
}

func (s *PGStore) GetDecision(ctx context.Context, id uuid.UUID) (models.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE id=$1`
	row := s.db.QueryRowContext(ctx, query, id)
	d, err := scanDecision(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Decision{}, ErrNotFound
		}
		return models.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

func (s *PGStore) ListDecisions(ctx context.Context) ([]models.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	var decisions []models.Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (s *PGStore) ResolveDecision(ctx context.Context, id uuid.UUID, optionID string) (models.Decision, error) {
	query := `
		UPDATE decisions
		SET status=$2, selected_option_id=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + decisionColumns
	row := s.db.QueryRowContext(ctx, query, id, models.DecisionResolved, optionID)
	d, err := scanDecision(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Decision{}, ErrNotFound
		}
		return models.Decision{}, fmt.Errorf("resolve decision: %w", err)
	}
	return d, nil
}

const trackingColumns = `
	id, decision_id, decision_title, selected_option_id, selected_option_label,
	started_at, expected_duration_days, predicted_score, actual_score, accuracy,
	status, outcomes, discrepancies, learnings, updated_at
`

func (s *PGStore) CreateTracking(ctx context.Context, tr models.DecisionTracking) (models.DecisionTracking, error) {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	outcomesJSON, err := marshal(tr.Outcomes)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	discrepanciesJSON, err := marshal(tr.Discrepancies)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	learningsJSON, err := marshal(tr.Learnings)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	query := `
		INSERT INTO decision_trackings (id, decision_id, decision_title, selected_option_id, selected_option_label,
			started_at, expected_duration_days, predicted_score, actual_score, accuracy, status,
			outcomes, discrepancies, learnings, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	if _, err := s.db.ExecContext(ctx, query,
		tr.ID, tr.DecisionID, tr.DecisionTitle, tr.SelectedOptionID, tr.SelectedOptionLabel,
		tr.StartedAt, tr.ExpectedDurationDays, tr.PredictedScore, tr.ActualScore, tr.Accuracy, tr.Status,
		outcomesJSON, discrepanciesJSON, learningsJSON, tr.UpdatedAt,
	); err != nil {
		return models.DecisionTracking{}, fmt.Errorf("insert tracking: %w", err)
	}
	return tr, nil
}

func scanTracking(scan func(dest ...interface{}) error) (models.DecisionTracking, error) {
	var (
		tr                models.DecisionTracking
		outcomesRaw       []byte
		discrepanciesRaw  []byte
		learningsRaw      []byte
	)
	err := scan(
		&tr.ID, &tr.DecisionID, &tr.DecisionTitle, &tr.SelectedOptionID, &tr.SelectedOptionLabel,
		&tr.StartedAt, &tr.ExpectedDurationDays, &tr.PredictedScore, &tr.ActualScore, &tr.Accuracy,
		&tr.Status, &outcomesRaw, &discrepanciesRaw, &learningsRaw, &tr.UpdatedAt,
	)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	if err := json.Unmarshal(outcomesRaw, &tr.Outcomes); err != nil {
		return models.DecisionTracking{}, fmt.Errorf("decode outcomes: %w", err)
	}
	if len(discrepanciesRaw) > 0 {
		if err := json.Unmarshal(discrepanciesRaw, &tr.Discrepancies); err != nil {
			return models.DecisionTracking{}, fmt.Errorf("decode discrepancies: %w", err)
		}
	}
	if len(learningsRaw) > 0 {
		if err := json.Unmarshal(learningsRaw, &tr.Learnings); err != nil {
			return models.DecisionTracking{}, fmt.Errorf("decode learnings: %w", err)
		}
	}
	return tr, nil
}

func (s *PGStore) GetTracking(ctx context.Context, id uuid.UUID) (models.DecisionTracking, error) {
	query := `SELECT ` + trackingColumns + ` FROM decision_trackings WHERE id=$1`
	row := s.db.QueryRowContext(ctx, query, id)
	tr, err := scanTracking(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DecisionTracking{}, ErrNotFound
		}
		return models.DecisionTracking{}, fmt.Errorf("get tracking: %w", err)
	}
	return tr, nil
}

func (s *PGStore) GetTrackingByDecision(ctx context.Context, decisionID uuid.UUID) (models.DecisionTracking, error) {
	query := `SELECT ` + trackingColumns + ` FROM decision_trackings WHERE decision_id=$1`
	row := s.db.QueryRowContext(ctx, query, decisionID)
	tr, err := scanTracking(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DecisionTracking{}, ErrNotFound
		}
		return models.DecisionTracking{}, fmt.Errorf("get tracking by decision: %w", err)
	}
	return tr, nil
}

func (s *PGStore) ListActiveTrackings(ctx context.Context) ([]models.DecisionTracking, error) {
	query := `SELECT ` + trackingColumns + ` FROM decision_trackings WHERE status <> $1 ORDER BY started_at`
	rows, err := s.db.QueryContext(ctx, query, models.TrackingClosed)
	if err != nil {
		return nil, fmt.Errorf("list active trackings: %w", err)
	}
	defer rows.Close()
	var trackings []models.DecisionTracking
	for rows.Next() {
		tr, err := scanTracking(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tracking: %w", err)
		}
		trackings = append(trackings, tr)
	}
	return trackings, rows.Err()
}

func (s *PGStore) SaveTracking(ctx context.Context, tr models.DecisionTracking) (models.DecisionTracking, error) {
	outcomesJSON, err := marshal(tr.Outcomes)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	discrepanciesJSON, err := marshal(tr.Discrepancies)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	learningsJSON, err := marshal(tr.Learnings)
	if err != nil {
		return models.DecisionTracking{}, err
	}
	query := `
		UPDATE decision_trackings
		SET actual_score=$2, accuracy=$3, status=$4, outcomes=$5, discrepancies=$6, learnings=$7, updated_at=$8
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query,
		tr.ID, tr.ActualScore, tr.Accuracy, tr.Status,
		outcomesJSON, discrepanciesJSON, learningsJSON, tr.UpdatedAt,
	)
	if err != nil {
		return models.DecisionTracking{}, fmt.Errorf("save tracking: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.DecisionTracking{}, ErrNotFound
	}
	return tr, nil
}

func (s *PGStore) UpsertDimension(ctx context.Context, d models.DimensionConfig) (models.DimensionConfig, error) {
	query := `
		INSERT INTO impact_dimensions (name, baseline, current_score, threshold, lower_is_worse, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (name)
		DO UPDATE SET baseline = EXCLUDED.baseline,
			current_score = EXCLUDED.current_score,
			threshold = EXCLUDED.threshold,
			lower_is_worse = EXCLUDED.lower_is_worse,
			updated_at = NOW()
		RETURNING updated_at
	`
	if err := s.db.QueryRowContext(ctx, query,
		d.Name, d.Baseline, d.CurrentScore, d.Threshold, d.LowerIsWorse,
	).Scan(&d.UpdatedAt); err != nil {
		return models.DimensionConfig{}, fmt.Errorf("upsert dimension: %w", err)
	}
	return d, nil
}

func (s *PGStore) GetDimension(ctx context.Context, name models.Domain) (models.DimensionConfig, error) {
	const query = `
		SELECT name, baseline, current_score, threshold, lower_is_worse, updated_at
		FROM impact_dimensions
		WHERE name=$1
	`
	var d models.DimensionConfig
	if err := s.db.QueryRowContext(ctx, query, name).Scan(
		&d.Name, &d.Baseline, &d.CurrentScore, &d.Threshold, &d.LowerIsWorse, &d.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DimensionConfig{}, ErrNotFound
		}
		return models.DimensionConfig{}, fmt.Errorf("get dimension: %w", err)
	}
	return d, nil
}

func (s *PGStore) ListDimensions(ctx context.Context) ([]models.DimensionConfig, error) {
	const query = `
		SELECT name, baseline, current_score, threshold, lower_is_worse, updated_at
		FROM impact_dimensions
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dimensions: %w", err)
	}
	defer rows.Close()
	var dims []models.DimensionConfig
	for rows.Next() {
		var d models.DimensionConfig
		if err := rows.Scan(&d.Name, &d.Baseline, &d.CurrentScore, &d.Threshold, &d.LowerIsWorse, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dimension: %w", err)
		}
		dims = append(dims, d)
	}
	return dims, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commandpost/decision-impact/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewPGStore(db), mock, func() { db.Close() }
}

func TestCreateDecisionInsertsAndReturnsTimestamps(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO decisions").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	d, err := st.CreateDecision(context.Background(), models.Decision{
		Title:   "hold the river line",
		Urgency: models.UrgencyHigh,
		Status:  models.DecisionOpen,
		Options: []models.DecisionOption{{ID: "opt-hold", Label: "Hold"}},
	})
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, d.ID)
	assert.Equal(t, now, d.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDecisionNotFound(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM decisions WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetDecision(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDecisionScansJSONBColumns(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	id := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "title", "description", "urgency", "deadline", "context", "options", "risk_factors",
		"roe_status", "routing", "status", "selected_option_id", "created_at", "updated_at",
	}).AddRow(
		id.String(), "hold the river line", "", "high", nil,
		[]byte(`{"stakeholders":["G3"]}`),
		[]byte(`[{"id":"opt-hold","label":"Hold","timeline":{"executionHours":4,"firstImpactHours":8,"fullImpactHours":48}}]`),
		[]byte(`[]`),
		nil, []byte(`{}`), "open", nil, now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM decisions WHERE id").
		WithArgs(id).
		WillReturnRows(rows)

	d, err := st.GetDecision(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "hold the river line", d.Title)
	require.Len(t, d.Options, 1)
	assert.Equal(t, "opt-hold", d.Options[0].ID)
	assert.Equal(t, 48, d.Options[0].Timeline.FullImpactHours)
	assert.Equal(t, []string{"G3"}, d.Context.Stakeholders)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDecisionSetsStatusAndOption(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	id := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "title", "description", "urgency", "deadline", "context", "options", "risk_factors",
		"roe_status", "routing", "status", "selected_option_id", "created_at", "updated_at",
	}).AddRow(
		id.String(), "hold the river line", "", "high", nil,
		[]byte(`{}`), []byte(`[]`), []byte(`[]`),
		nil, []byte(`{}`), "resolved", "opt-hold", now, now,
	)
	mock.ExpectQuery("UPDATE decisions").
		WithArgs(id, models.DecisionResolved, "opt-hold").
		WillReturnRows(rows)

	d, err := st.ResolveDecision(context.Background(), id, "opt-hold")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionResolved, d.Status)
	require.NotNil(t, d.SelectedOptionID)
	assert.Equal(t, "opt-hold", *d.SelectedOptionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTrackingInsert(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("INSERT INTO decision_trackings").
		WillReturnResult(sqlmock.NewResult(1, 1))

	tr, err := st.CreateTracking(context.Background(), models.DecisionTracking{
		DecisionID:       uuid.New(),
		SelectedOptionID: "opt-hold",
		Status:           models.TrackingUnfolding,
	})
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, tr.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTrackingNotFound(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE decision_trackings").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := st.SaveTracking(context.Background(), models.DecisionTracking{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTrackingScansOutcomeLedger(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	id := uuid.New()
	decisionID := uuid.New()
	consequenceID := uuid.New()
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "decision_id", "decision_title", "selected_option_id", "selected_option_label",
		"started_at", "expected_duration_days", "predicted_score", "actual_score", "accuracy",
		"status", "outcomes", "discrepancies", "learnings", "updated_at",
	}).AddRow(
		id.String(), decisionID.String(), "hold the river line", "opt-hold", "Hold",
		now, 4, 23.0, 15.0, 0.65,
		"unfolding",
		[]byte(`[{"consequenceId":"`+consequenceID.String()+`","domain":"readiness","status":"complete","observationVersion":2,"predicted":{"impactScore":20,"likelihood":1},"actual":{"impactScore":15,"observedAt":"2026-03-20T12:00:00Z"},"variance":-5}]`),
		[]byte(`[]`), []byte(`[]`), now,
	)
	mock.ExpectQuery("SELECT (.+) FROM decision_trackings WHERE id").
		WithArgs(id).
		WillReturnRows(rows)

	tr, err := st.GetTracking(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, tr.Outcomes, 1)
	out := tr.Outcomes[0]
	assert.Equal(t, consequenceID, out.ConsequenceID)
	assert.Equal(t, int64(2), out.ObservationVersion)
	require.NotNil(t, out.Variance)
	assert.Equal(t, -5.0, *out.Variance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveTrackingsExcludesClosed(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM decision_trackings WHERE status").
		WithArgs(models.TrackingClosed).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "decision_id", "decision_title", "selected_option_id", "selected_option_label",
			"started_at", "expected_duration_days", "predicted_score", "actual_score", "accuracy",
			"status", "outcomes", "discrepancies", "learnings", "updated_at",
		}))

	trackings, err := st.ListActiveTrackings(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, trackings)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDimension(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO impact_dimensions").
		WithArgs(models.DomainReadiness, 70.0, 70.0, 40.0, true).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

	d, err := st.UpsertDimension(context.Background(), models.DimensionConfig{
		Name:         models.DomainReadiness,
		Baseline:     70,
		CurrentScore: 70,
		Threshold:    40,
		LowerIsWorse: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, now, d.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDimensionNotFound(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM impact_dimensions").
		WithArgs(models.Domain("morale")).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetDimension(context.Background(), "morale")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

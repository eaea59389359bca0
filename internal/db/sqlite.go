package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/voltgarage/efi-brain/internal/models"
)

// Schema for the EFI brain persistence layer. Versions are tracked in the
// schema_versions table. List-valued fields are stored as JSON blobs so the
// corpus keeps its document shape.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS failure_cards (
    card_id                 TEXT PRIMARY KEY,
    failure_id              TEXT NOT NULL DEFAULT '',
    failure_card_id         TEXT NOT NULL DEFAULT '',
    vehicle_make            TEXT NOT NULL DEFAULT '',
    vehicle_model           TEXT NOT NULL DEFAULT '',
    vehicle_variant         TEXT NOT NULL DEFAULT '',
    vehicle_category        TEXT NOT NULL DEFAULT '',
    subsystem               TEXT NOT NULL DEFAULT '',
    fault_category          TEXT NOT NULL DEFAULT '',
    subsystem_category      TEXT NOT NULL DEFAULT '',
    title                   TEXT NOT NULL DEFAULT '',
    description             TEXT NOT NULL DEFAULT '',
    symptom_cluster         TEXT NOT NULL DEFAULT '[]',
    keywords                TEXT NOT NULL DEFAULT '[]',
    dtc_codes               TEXT NOT NULL DEFAULT '[]',
    dtc_code                TEXT NOT NULL DEFAULT '',
    error_codes             TEXT NOT NULL DEFAULT '[]',
    root_cause              TEXT NOT NULL DEFAULT '',
    verified_fix            TEXT NOT NULL DEFAULT '',
    parts_required          TEXT NOT NULL DEFAULT '[]',
    historical_success_rate REAL NOT NULL DEFAULT 0.5,
    confidence_score        REAL NOT NULL DEFAULT 0.0,
    usage_count             INTEGER NOT NULL DEFAULT 0,
    recurrence_counter      INTEGER NOT NULL DEFAULT 0,
    positive_feedback_count INTEGER NOT NULL DEFAULT 0,
    negative_feedback_count INTEGER NOT NULL DEFAULT 0,
    status                  TEXT NOT NULL DEFAULT 'draft',
    excluded_from_efi       INTEGER NOT NULL DEFAULT 0,
    embedding_vector        TEXT NOT NULL DEFAULT '',
    embedding_model         TEXT NOT NULL DEFAULT '',
    embedding_updated_at    DATETIME,
    organization_id         TEXT NOT NULL DEFAULT '',
    source_ticket_id        TEXT NOT NULL DEFAULT '',
    created_at              DATETIME NOT NULL,
    updated_at              DATETIME NOT NULL,
    last_used_at            DATETIME
);
CREATE INDEX IF NOT EXISTS idx_cards_status        ON failure_cards(status);
CREATE INDEX IF NOT EXISTS idx_cards_subsystem     ON failure_cards(subsystem);
CREATE INDEX IF NOT EXISTS idx_cards_vehicle_model ON failure_cards(vehicle_model);
CREATE INDEX IF NOT EXISTS idx_cards_failure_id    ON failure_cards(failure_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cards_source_ticket
    ON failure_cards(source_ticket_id, organization_id)
    WHERE source_ticket_id <> '';

CREATE TABLE IF NOT EXISTS learning_events (
    event_id                TEXT PRIMARY KEY,
    event_type              TEXT NOT NULL DEFAULT 'ticket_closure',
    ticket_id               TEXT NOT NULL,
    organization_id         TEXT NOT NULL DEFAULT '',
    vehicle_make            TEXT NOT NULL DEFAULT '',
    vehicle_model           TEXT NOT NULL DEFAULT '',
    vehicle_variant         TEXT NOT NULL DEFAULT '',
    subsystem               TEXT NOT NULL DEFAULT '',
    symptoms                TEXT NOT NULL DEFAULT '[]',
    dtc_codes               TEXT NOT NULL DEFAULT '[]',
    actual_root_cause       TEXT NOT NULL DEFAULT '',
    parts_replaced          TEXT NOT NULL DEFAULT '[]',
    repair_actions          TEXT NOT NULL DEFAULT '[]',
    resolution_time_minutes INTEGER,
    ai_guidance_used        INTEGER NOT NULL DEFAULT 0,
    ai_was_correct          INTEGER,
    unsafe_incident         INTEGER NOT NULL DEFAULT 0,
    status                  TEXT NOT NULL DEFAULT 'pending',
    processing_result       TEXT NOT NULL DEFAULT '',
    created_at              DATETIME NOT NULL,
    processed_at            DATETIME
);
CREATE INDEX IF NOT EXISTS idx_events_status     ON learning_events(status, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_events_pattern    ON learning_events(vehicle_model, subsystem, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_org        ON learning_events(organization_id);

CREATE TABLE IF NOT EXISTS model_risk_alerts (
    alert_id            TEXT PRIMARY KEY,
    vehicle_model       TEXT NOT NULL,
    subsystem           TEXT NOT NULL,
    occurrence_count    INTEGER NOT NULL DEFAULT 0,
    first_occurrence    DATETIME NOT NULL,
    last_occurrence     DATETIME NOT NULL,
    affected_ticket_ids TEXT NOT NULL DEFAULT '[]',
    status              TEXT NOT NULL DEFAULT 'active',
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_pair   ON model_risk_alerts(vehicle_model, subsystem, status);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON model_risk_alerts(status, created_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// WAL mode for concurrent readers alongside the learning-loop writers.
	if _, err := sqlDB.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := sqlDB.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: sqlDB}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Failure cards ────────────────────────────────────────────────────────────

const cardColumns = `card_id, failure_id, failure_card_id,
    vehicle_make, vehicle_model, vehicle_variant, vehicle_category,
    subsystem, fault_category, subsystem_category,
    title, description, symptom_cluster, keywords,
    dtc_codes, dtc_code, error_codes,
    root_cause, verified_fix, parts_required,
    historical_success_rate, confidence_score,
    usage_count, recurrence_counter, positive_feedback_count, negative_feedback_count,
    status, excluded_from_efi,
    embedding_vector, embedding_model, embedding_updated_at,
    organization_id, source_ticket_id,
    created_at, updated_at, last_used_at`

func (s *sqliteStore) SaveFailureCard(ctx context.Context, card *models.FailureCard) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO failure_cards(`+cardColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(card_id) DO UPDATE SET
            failure_id              = excluded.failure_id,
            failure_card_id         = excluded.failure_card_id,
            vehicle_make            = excluded.vehicle_make,
            vehicle_model           = excluded.vehicle_model,
            vehicle_variant         = excluded.vehicle_variant,
            vehicle_category        = excluded.vehicle_category,
            subsystem               = excluded.subsystem,
            fault_category          = excluded.fault_category,
            subsystem_category      = excluded.subsystem_category,
            title                   = excluded.title,
            description             = excluded.description,
            symptom_cluster         = excluded.symptom_cluster,
            keywords                = excluded.keywords,
            dtc_codes               = excluded.dtc_codes,
            dtc_code                = excluded.dtc_code,
            error_codes             = excluded.error_codes,
            root_cause              = excluded.root_cause,
            verified_fix            = excluded.verified_fix,
            parts_required          = excluded.parts_required,
            historical_success_rate = excluded.historical_success_rate,
            confidence_score        = excluded.confidence_score,
            usage_count             = excluded.usage_count,
            recurrence_counter      = excluded.recurrence_counter,
            positive_feedback_count = excluded.positive_feedback_count,
            negative_feedback_count = excluded.negative_feedback_count,
            status                  = excluded.status,
            excluded_from_efi       = excluded.excluded_from_efi,
            embedding_vector        = excluded.embedding_vector,
            embedding_model         = excluded.embedding_model,
            embedding_updated_at    = excluded.embedding_updated_at,
            organization_id         = excluded.organization_id,
            source_ticket_id        = excluded.source_ticket_id,
            updated_at              = excluded.updated_at,
            last_used_at            = excluded.last_used_at
    `, cardArgs(card)...)
	if err != nil {
		return fmt.Errorf("upsert failure card: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetFailureCard(ctx context.Context, id string) (*models.FailureCard, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM failure_cards
        WHERE card_id = ? OR failure_id = ? OR failure_card_id = ?`, id, id, id)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failure card %q: %w", id, ErrNotFound)
	}
	return card, err
}

func (s *sqliteStore) ListCandidateCards(ctx context.Context, subsystem string, limit int) ([]*models.FailureCard, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + cardColumns + ` FROM failure_cards WHERE excluded_from_efi = 0`
	args := []any{}
	if subsystem != "" {
		query += ` AND (subsystem = ? OR fault_category = ? OR subsystem_category = ?)`
		args = append(args, subsystem, subsystem, subsystem)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryCards(ctx, query, args...)
}

func (s *sqliteStore) ListCards(ctx context.Context, limit, offset int) ([]*models.FailureCard, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryCards(ctx, `SELECT `+cardColumns+` FROM failure_cards
        ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *sqliteStore) MatchCandidates(ctx context.Context, q CardMatchQuery) ([]*models.FailureCard, error) {
	if q.Limit <= 0 {
		q.Limit = 200
	}
	query := `SELECT ` + cardColumns + ` FROM failure_cards WHERE status IN (?, ?)`
	args := []any{models.CardStatusApproved, models.CardStatusDraft}
	if q.Subsystem != "" {
		query += ` AND (subsystem = ? OR fault_category = ? OR subsystem_category = ?)`
		args = append(args, q.Subsystem, q.Subsystem, q.Subsystem)
	}
	if q.HasVehicleModel {
		query += ` AND (vehicle_model = ? OR vehicle_model = '')`
		args = append(args, q.VehicleModel)
	}
	query += ` ORDER BY historical_success_rate DESC LIMIT ?`
	args = append(args, q.Limit)
	return s.queryCards(ctx, query, args...)
}

func (s *sqliteStore) UpsertDraftCard(ctx context.Context, card *models.FailureCard) (*models.FailureCard, bool, error) {
	if card.SourceTicketID == "" {
		return nil, false, fmt.Errorf("draft card upsert requires source_ticket_id")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO failure_cards(`+cardColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(source_ticket_id, organization_id) WHERE source_ticket_id <> ''
        DO UPDATE SET
            usage_count        = usage_count + 1,
            recurrence_counter = recurrence_counter + 1,
            updated_at         = excluded.updated_at,
            last_used_at       = excluded.last_used_at
    `, cardArgs(card)...)
	if err != nil {
		return nil, false, fmt.Errorf("upsert draft card: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM failure_cards
        WHERE source_ticket_id = ? AND organization_id = ?`, card.SourceTicketID, card.OrganizationID)
	stored, err := scanCard(row)
	if err != nil {
		return nil, false, fmt.Errorf("reload draft card: %w", err)
	}
	// On conflict the pre-existing card keeps its id; a fresh insert carries
	// the id we just generated.
	return stored, stored.CardID == card.CardID, nil
}

func (s *sqliteStore) IncrementCardUsage(ctx context.Context, cardID string, feedback *bool, now time.Time) (*models.FailureCard, error) {
	pos, neg := 0, 0
	if feedback != nil {
		if *feedback {
			pos = 1
		} else {
			neg = 1
		}
	}
	// Single statement so concurrent writers never lose an increment. The
	// RHS column references read the pre-update values.
	res, err := s.db.ExecContext(ctx, `
        UPDATE failure_cards SET
            usage_count             = usage_count + 1,
            recurrence_counter      = recurrence_counter + 1,
            positive_feedback_count = positive_feedback_count + ?,
            negative_feedback_count = negative_feedback_count + ?,
            historical_success_rate = CASE
                WHEN positive_feedback_count + negative_feedback_count + ? > 0
                THEN ROUND(CAST(positive_feedback_count + ? AS REAL)
                     / (positive_feedback_count + negative_feedback_count + ?), 3)
                ELSE historical_success_rate
            END,
            last_used_at = ?,
            updated_at   = ?
        WHERE card_id = ?
    `, pos, neg, pos+neg, pos, pos+neg, now.UTC(), now.UTC(), cardID)
	if err != nil {
		return nil, fmt.Errorf("increment card usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("failure card %q: %w", cardID, ErrNotFound)
	}
	return s.GetFailureCard(ctx, cardID)
}

func (s *sqliteStore) UpdateCardEmbedding(ctx context.Context, cardID string, vector []float64, model string, at time.Time) error {
	blob, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE failure_cards SET
            embedding_vector     = ?,
            embedding_model      = ?,
            embedding_updated_at = ?,
            updated_at           = ?
        WHERE card_id = ?
    `, string(blob), model, at.UTC(), at.UTC(), cardID)
	if err != nil {
		return fmt.Errorf("update card embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failure card %q: %w", cardID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CountCardsByStatus(ctx context.Context) (map[string]int, error) {
	return s.countGrouped(ctx, `SELECT status, COUNT(*) FROM failure_cards GROUP BY status`)
}

func (s *sqliteStore) queryCards(ctx context.Context, query string, args ...any) ([]*models.FailureCard, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.FailureCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, card)
	}
	return result, rows.Err()
}

func cardArgs(c *models.FailureCard) []any {
	return []any{
		c.CardID, c.FailureID, c.FailureCardID,
		c.VehicleMake, c.VehicleModel, c.VehicleVariant, c.VehicleCategory,
		c.Subsystem, c.FaultCategory, c.SubsystemCategory,
		c.Title, c.Description, marshalJSON(c.SymptomCluster), marshalJSON(c.Keywords),
		marshalJSON(c.DTCCodes), c.DTCCode, marshalJSON(c.ErrorCodes),
		c.RootCause, c.VerifiedFix, marshalJSON(c.PartsRequired),
		c.HistoricalSuccessRate, c.ConfidenceScore,
		c.UsageCount, c.RecurrenceCounter, c.PositiveFeedbackCount, c.NegativeFeedbackCount,
		c.Status, c.ExcludedFromEFI,
		marshalVector(c.EmbeddingVector), c.EmbeddingModel, nullableTime(c.EmbeddingUpdatedAt),
		c.OrganizationID, c.SourceTicketID,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(), nullableTime(c.LastUsedAt),
	}
}

func scanCard(row rowScanner) (*models.FailureCard, error) {
	c := &models.FailureCard{}
	var symptoms, keywords, dtcCodes, errorCodes, parts, vector string
	var embeddedAt, createdAt, updatedAt, lastUsedAt sql.NullString
	err := row.Scan(
		&c.CardID, &c.FailureID, &c.FailureCardID,
		&c.VehicleMake, &c.VehicleModel, &c.VehicleVariant, &c.VehicleCategory,
		&c.Subsystem, &c.FaultCategory, &c.SubsystemCategory,
		&c.Title, &c.Description, &symptoms, &keywords,
		&dtcCodes, &c.DTCCode, &errorCodes,
		&c.RootCause, &c.VerifiedFix, &parts,
		&c.HistoricalSuccessRate, &c.ConfidenceScore,
		&c.UsageCount, &c.RecurrenceCounter, &c.PositiveFeedbackCount, &c.NegativeFeedbackCount,
		&c.Status, &c.ExcludedFromEFI,
		&vector, &c.EmbeddingModel, &embeddedAt,
		&c.OrganizationID, &c.SourceTicketID,
		&createdAt, &updatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	c.SymptomCluster = unmarshalStrings(symptoms)
	c.Keywords = unmarshalStrings(keywords)
	c.DTCCodes = unmarshalStrings(dtcCodes)
	c.ErrorCodes = unmarshalStrings(errorCodes)
	c.PartsRequired = unmarshalStrings(parts)
	c.EmbeddingVector = unmarshalVector(vector)
	c.EmbeddingUpdatedAt = parseNullableTime(embeddedAt)
	c.CreatedAt = parseTimeOrZero(createdAt.String)
	c.UpdatedAt = parseTimeOrZero(updatedAt.String)
	c.LastUsedAt = parseNullableTime(lastUsedAt)
	return c, nil
}

// ─── Learning events ──────────────────────────────────────────────────────────

const eventColumns = `event_id, event_type, ticket_id, organization_id,
    vehicle_make, vehicle_model, vehicle_variant,
    subsystem, symptoms, dtc_codes,
    actual_root_cause, parts_replaced, repair_actions, resolution_time_minutes,
    ai_guidance_used, ai_was_correct, unsafe_incident,
    status, processing_result, created_at, processed_at`

func (s *sqliteStore) SaveLearningEvent(ctx context.Context, ev *models.LearningEvent) error {
	var result string
	if ev.ProcessingResult != nil {
		blob, err := json.Marshal(ev.ProcessingResult)
		if err != nil {
			return fmt.Errorf("marshal processing result: %w", err)
		}
		result = string(blob)
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO learning_events(`+eventColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		ev.EventID, ev.EventType, ev.TicketID, ev.OrganizationID,
		ev.VehicleMake, ev.VehicleModel, ev.VehicleVariant,
		ev.Subsystem, marshalJSON(ev.Symptoms), marshalJSON(ev.DTCCodes),
		ev.ActualRootCause, marshalJSON(ev.PartsReplaced), marshalJSON(ev.RepairActions), nullableInt(ev.ResolutionTimeMinutes),
		ev.AIGuidanceUsed, nullableBool(ev.AIWasCorrect), ev.UnsafeIncident,
		ev.Status, result, ev.CreatedAt.UTC(), nullableTime(ev.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("insert learning event: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetLearningEvent(ctx context.Context, id string) (*models.LearningEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM learning_events WHERE event_id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("learning event %q: %w", id, ErrNotFound)
	}
	return ev, err
}

func (s *sqliteStore) ListPendingEvents(ctx context.Context, limit int) ([]*models.LearningEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM learning_events
        WHERE status = ? ORDER BY created_at ASC LIMIT ?`, models.EventStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.LearningEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (s *sqliteStore) MarkEventProcessed(ctx context.Context, id string, result *models.ProcessingResult, at time.Time) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal processing result: %w", err)
	}
	// Guarded so a processed event is never rewritten; error events may be
	// re-processed by an explicit operator call.
	_, err = s.db.ExecContext(ctx, `
        UPDATE learning_events SET status = ?, processing_result = ?, processed_at = ?
        WHERE event_id = ? AND status <> ?
    `, models.EventStatusProcessed, string(blob), at.UTC(), id, models.EventStatusProcessed)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (s *sqliteStore) MarkEventError(ctx context.Context, id string, msg string, at time.Time) error {
	blob, _ := json.Marshal(&models.ProcessingResult{Error: msg})
	_, err := s.db.ExecContext(ctx, `
        UPDATE learning_events SET status = ?, processing_result = ?, processed_at = ?
        WHERE event_id = ? AND status <> ?
    `, models.EventStatusError, string(blob), at.UTC(), id, models.EventStatusProcessed)
	if err != nil {
		return fmt.Errorf("mark event error: %w", err)
	}
	return nil
}

func (s *sqliteStore) CountEventsByStatus(ctx context.Context, organizationID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM learning_events`
	args := []any{}
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` GROUP BY status`
	return s.countGrouped(ctx, query, args...)
}

func (s *sqliteStore) CountRecentClosures(ctx context.Context, vehicleModel, subsystem string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM learning_events
        WHERE event_type = ? AND vehicle_model = ? AND subsystem = ? AND created_at >= ?
    `, models.EventTypeTicketClosure, vehicleModel, subsystem, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent closures: %w", err)
	}
	return count, nil
}

func (s *sqliteStore) RecentClosureTicketIDs(ctx context.Context, vehicleModel, subsystem string, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT ticket_id FROM learning_events
        WHERE event_type = ? AND vehicle_model = ? AND subsystem = ? AND created_at >= ?
        ORDER BY created_at ASC LIMIT ?
    `, models.EventTypeTicketClosure, vehicleModel, subsystem, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) OldestClosureTime(ctx context.Context, vehicleModel, subsystem string, since time.Time) (time.Time, error) {
	var created sql.NullString
	err := s.db.QueryRowContext(ctx, `
        SELECT MIN(created_at) FROM learning_events
        WHERE event_type = ? AND vehicle_model = ? AND subsystem = ? AND created_at >= ?
    `, models.EventTypeTicketClosure, vehicleModel, subsystem, since.UTC()).Scan(&created)
	if err != nil {
		return time.Time{}, fmt.Errorf("oldest closure time: %w", err)
	}
	if !created.Valid || created.String == "" {
		return time.Time{}, ErrNotFound
	}
	return parseTime(created.String)
}

func scanEvent(row rowScanner) (*models.LearningEvent, error) {
	ev := &models.LearningEvent{}
	var symptoms, dtcCodes, parts, actions, result string
	var resolutionMinutes sql.NullInt64
	var aiWasCorrect sql.NullBool
	var createdAt string
	var processedAt sql.NullString
	err := row.Scan(
		&ev.EventID, &ev.EventType, &ev.TicketID, &ev.OrganizationID,
		&ev.VehicleMake, &ev.VehicleModel, &ev.VehicleVariant,
		&ev.Subsystem, &symptoms, &dtcCodes,
		&ev.ActualRootCause, &parts, &actions, &resolutionMinutes,
		&ev.AIGuidanceUsed, &aiWasCorrect, &ev.UnsafeIncident,
		&ev.Status, &result, &createdAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Symptoms = unmarshalStrings(symptoms)
	ev.DTCCodes = unmarshalStrings(dtcCodes)
	ev.PartsReplaced = unmarshalStrings(parts)
	ev.RepairActions = unmarshalStrings(actions)
	if resolutionMinutes.Valid {
		m := int(resolutionMinutes.Int64)
		ev.ResolutionTimeMinutes = &m
	}
	if aiWasCorrect.Valid {
		b := aiWasCorrect.Bool
		ev.AIWasCorrect = &b
	}
	if result != "" {
		pr := &models.ProcessingResult{}
		if json.Unmarshal([]byte(result), pr) == nil {
			ev.ProcessingResult = pr
		}
	}
	ev.CreatedAt = parseTimeOrZero(createdAt)
	ev.ProcessedAt = parseNullableTime(processedAt)
	return ev, nil
}

// ─── Risk alerts ──────────────────────────────────────────────────────────────

const alertColumns = `alert_id, vehicle_model, subsystem, occurrence_count,
    first_occurrence, last_occurrence, affected_ticket_ids, status, created_at, updated_at`

func (s *sqliteStore) SaveRiskAlert(ctx context.Context, alert *models.ModelRiskAlert) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO model_risk_alerts(`+alertColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(alert_id) DO UPDATE SET
            occurrence_count    = excluded.occurrence_count,
            last_occurrence     = excluded.last_occurrence,
            affected_ticket_ids = excluded.affected_ticket_ids,
            status              = excluded.status,
            updated_at          = excluded.updated_at
    `,
		alert.AlertID, alert.VehicleModel, alert.Subsystem, alert.OccurrenceCount,
		alert.FirstOccurrence.UTC(), alert.LastOccurrence.UTC(),
		marshalJSON(alert.AffectedTicketIDs), alert.Status,
		alert.CreatedAt.UTC(), alert.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert risk alert: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetActiveAlert(ctx context.Context, vehicleModel, subsystem string) (*models.ModelRiskAlert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM model_risk_alerts
        WHERE vehicle_model = ? AND subsystem = ? AND status = ?
        ORDER BY created_at ASC LIMIT 1`, vehicleModel, subsystem, models.AlertStatusActive)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active alert for %s/%s: %w", vehicleModel, subsystem, ErrNotFound)
	}
	return alert, err
}

func (s *sqliteStore) ListRiskAlerts(ctx context.Context, status string, limit int) ([]*models.ModelRiskAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM model_risk_alerts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.ModelRiskAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, alert)
	}
	return result, rows.Err()
}

func (s *sqliteStore) UpdateAlertStatus(ctx context.Context, alertID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE model_risk_alerts SET status = ?, updated_at = ? WHERE alert_id = ?`,
		status, time.Now().UTC(), alertID)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("risk alert %q: %w", alertID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CountActiveAlerts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM model_risk_alerts WHERE status = ?`,
		models.AlertStatusActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active alerts: %w", err)
	}
	return count, nil
}

func scanAlert(row rowScanner) (*models.ModelRiskAlert, error) {
	a := &models.ModelRiskAlert{}
	var tickets, first, last, createdAt, updatedAt string
	err := row.Scan(&a.AlertID, &a.VehicleModel, &a.Subsystem, &a.OccurrenceCount,
		&first, &last, &tickets, &a.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.AffectedTicketIDs = unmarshalStrings(tickets)
	a.FirstOccurrence = parseTimeOrZero(first)
	a.LastOccurrence = parseTimeOrZero(last)
	a.CreatedAt = parseTimeOrZero(createdAt)
	a.UpdatedAt = parseTimeOrZero(updatedAt)
	return a, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) countGrouped(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func marshalJSON(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	blob, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(blob)
}

func unmarshalStrings(blob string) []string {
	if blob == "" || blob == "[]" {
		return nil
	}
	var values []string
	if json.Unmarshal([]byte(blob), &values) != nil {
		return nil
	}
	return values
}

func marshalVector(vec []float64) string {
	if len(vec) == 0 {
		return ""
	}
	blob, err := json.Marshal(vec)
	if err != nil {
		return ""
	}
	return string(blob)
}

func unmarshalVector(blob string) []float64 {
	if blob == "" {
		return nil
	}
	var vec []float64
	if json.Unmarshal([]byte(blob), &vec) != nil {
		return nil
	}
	return vec
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeOrZero(s string) time.Time {
	t, _ := parseTime(s)
	return t
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

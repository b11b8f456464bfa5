package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/LeonardoBeccarini/sdcc_watering/internal/model"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_mysql.sql
var schemaMySQL string

// SQL is the database/sql backed Store. Supported drivers: "sqlite3", "mysql".
type SQL struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQL)(nil)

// Open connects to driver/dsn and applies the schema. Idempotent.
//
// For sqlite the connection pool is limited to one connection and WAL mode is
// enabled, so appends from concurrent actuations serialize on the driver.
func Open(driver, dsn string) (*SQL, error) {
	var schema string
	switch driver {
	case "sqlite3":
		schema = schemaSQLite
	case "mysql":
		schema = schemaMySQL
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
			}
		}
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &SQL{db: db, driver: driver}, nil
}

func (s *SQL) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping is used by the readiness probe.
func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ===================== schedules =====================

const scheduleColumns = `id, device_id, name, cron_expression, water_amount_ml, is_active,
	only_sensor_triggered, soil_moisture_below, temperature_above`

func (s *SQL) UpsertSchedule(ctx context.Context, sc model.WateringSchedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	var q string
	if s.driver == "mysql" {
		q = `INSERT INTO watering_schedules (` + scheduleColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE device_id = VALUES(device_id), name = VALUES(name),
				cron_expression = VALUES(cron_expression), water_amount_ml = VALUES(water_amount_ml),
				is_active = VALUES(is_active), only_sensor_triggered = VALUES(only_sensor_triggered),
				soil_moisture_below = VALUES(soil_moisture_below), temperature_above = VALUES(temperature_above)`
	} else {
		q = `INSERT INTO watering_schedules (` + scheduleColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET device_id = excluded.device_id, name = excluded.name,
				cron_expression = excluded.cron_expression, water_amount_ml = excluded.water_amount_ml,
				is_active = excluded.is_active, only_sensor_triggered = excluded.only_sensor_triggered,
				soil_moisture_below = excluded.soil_moisture_below, temperature_above = excluded.temperature_above`
	}
	_, err := s.db.ExecContext(ctx, q,
		sc.ID, sc.DeviceID, sc.Name, sc.CronExpression, sc.WaterAmountMl, sc.IsActive,
		sc.OnlySensorTriggered, nullFloat(sc.SensorConditions.SoilMoistureBelow),
		nullFloat(sc.SensorConditions.TemperatureAbove),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", sc.ID, err)
	}
	return nil
}

func (s *SQL) ListSchedules(ctx context.Context) ([]model.WateringSchedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM watering_schedules ORDER BY id`)
}

func (s *SQL) GetActiveSchedules(ctx context.Context) ([]model.WateringSchedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM watering_schedules WHERE is_active = ? ORDER BY id`, true)
}

func (s *SQL) GetSchedule(ctx context.Context, id string) (model.WateringSchedule, error) {
	list, err := s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM watering_schedules WHERE id = ?`, id)
	if err != nil {
		return model.WateringSchedule{}, err
	}
	if len(list) == 0 {
		return model.WateringSchedule{}, fmt.Errorf("schedule %s: %w", id, model.ErrNotFound)
	}
	return list[0], nil
}

func (s *SQL) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watering_schedules SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set active %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// mysql reports 0 when the value is unchanged; confirm the row exists
		if _, gerr := s.GetSchedule(ctx, id); gerr != nil {
			return gerr
		}
	}
	return nil
}

func (s *SQL) querySchedules(ctx context.Context, q string, args ...any) ([]model.WateringSchedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []model.WateringSchedule
	for rows.Next() {
		var (
			sc         model.WateringSchedule
			soil, temp sql.NullFloat64
		)
		if err := rows.Scan(&sc.ID, &sc.DeviceID, &sc.Name, &sc.CronExpression, &sc.WaterAmountMl,
			&sc.IsActive, &sc.OnlySensorTriggered, &soil, &temp); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.SensorConditions.SoilMoistureBelow = floatPtr(soil)
		sc.SensorConditions.TemperatureAbove = floatPtr(temp)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ===================== history =====================

const historyColumns = `id, device_id, schedule_id, watering_type, water_amount_ml, duration_seconds,
	initiated_by, sensor_readings, outcome, reason, requested_at, created_at`

func (s *SQL) AppendHistory(ctx context.Context, h model.WateringHistory) error {
	readings, err := json.Marshal(h.SensorReadings)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	var dur sql.NullInt64
	if h.DurationSeconds != nil {
		dur = sql.NullInt64{Int64: int64(*h.DurationSeconds), Valid: true}
	}
	var sched sql.NullString
	if h.ScheduleID != "" {
		sched = sql.NullString{String: h.ScheduleID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO watering_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.DeviceID, sched, string(h.WateringType), h.WaterAmountMl, dur,
		h.InitiatedBy, string(readings), string(h.Outcome), h.Reason,
		toNanos(h.RequestedAt), toNanos(h.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *SQL) LastSuccessful(ctx context.Context, deviceID string) (*model.WateringHistory, error) {
	list, err := s.RecentSuccessful(ctx, deviceID, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (s *SQL) RecentSuccessful(ctx context.Context, deviceID string, limit int) ([]model.WateringHistory, error) {
	return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM watering_history
		WHERE device_id = ? AND outcome = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		deviceID, string(model.OutcomeSuccess), normLimit(limit))
}

func (s *SQL) ListHistory(ctx context.Context, deviceID string, limit int) ([]model.WateringHistory, error) {
	return s.queryHistory(ctx, `SELECT `+historyColumns+` FROM watering_history
		WHERE device_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		deviceID, normLimit(limit))
}

func (s *SQL) queryHistory(ctx context.Context, q string, args ...any) ([]model.WateringHistory, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []model.WateringHistory
	for rows.Next() {
		var (
			h                    model.WateringHistory
			sched                sql.NullString
			dur                  sql.NullInt64
			wtype, outcome, rdgs string
			reqAt, createdAt     int64
		)
		if err := rows.Scan(&h.ID, &h.DeviceID, &sched, &wtype, &h.WaterAmountMl, &dur,
			&h.InitiatedBy, &rdgs, &outcome, &h.Reason, &reqAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.ScheduleID = sched.String
		h.WateringType = model.WateringType(wtype)
		h.Outcome = model.Outcome(outcome)
		if dur.Valid {
			d := int(dur.Int64)
			h.DurationSeconds = &d
		}
		if err := json.Unmarshal([]byte(rdgs), &h.SensorReadings); err != nil {
			return nil, fmt.Errorf("decode sensor readings of %s: %w", h.ID, err)
		}
		h.RequestedAt = fromNanos(reqAt)
		h.CreatedAt = fromNanos(createdAt)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

// --------------------- small helpers ---------------------

func normLimit(n int) int {
	if n <= 0 {
		return 1000
	}
	return n
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

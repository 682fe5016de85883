// Package sqlite persists the engine's schedules, events, devices and
// alerts in a SQLite database. Every write is appended to an audit log
// with the acting identity.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tmarchal/medispense/core/model"
	"github.com/tmarchal/medispense/core/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL,
    medication_id TEXT NOT NULL,
    times TEXT,
    weekdays TEXT,
    start_date INTEGER,
    end_date INTEGER,
    dose_quantity INTEGER,
    active INTEGER,
    device_id TEXT,
    compartment_id TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    schedule_id TEXT NOT NULL,
    patient_id TEXT NOT NULL,
    medication_id TEXT,
    device_id TEXT,
    compartment_id TEXT,
    scheduled_at INTEGER,
    quantity INTEGER,
    status INTEGER,
    consumed_quantity INTEGER,
    dispensed_at INTEGER,
    resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_schedule ON events(schedule_id, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, scheduled_at);
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    patient_id TEXT,
    serial_number TEXT,
    firmware_version TEXT,
    online INTEGER,
    battery_level INTEGER
);
CREATE TABLE IF NOT EXISTS compartments (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    medication_id TEXT,
    capacity INTEGER,
    quantity INTEGER
);
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL,
    medication_id TEXT,
    device_id TEXT,
    event_id TEXT,
    type INTEGER,
    severity INTEGER,
    status INTEGER,
    escalation_level INTEGER,
    message TEXT,
    created_at INTEGER,
    last_escalated INTEGER,
    acknowledged_by TEXT
);
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    alert_id TEXT NOT NULL,
    channel TEXT,
    recipient TEXT,
    sent_at INTEGER,
    delivered INTEGER,
    error TEXT
);
CREATE TABLE IF NOT EXISTS audit_log (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    ts INTEGER,
    actor TEXT,
    entity TEXT,
    entity_id TEXT,
    action TEXT
);`

// Store is a sqlite-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the database at path and ensures schema.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) audit(ctx context.Context, actor, entity, id, action string) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, actor, entity, entity_id, action) VALUES (?, ?, ?, ?, ?)`,
		time.Now().Unix(), actor, entity, id, action)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// Schedule returns one schedule by id.
func (s *Store) Schedule(ctx context.Context, id string) (model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, patient_id, medication_id, times, weekdays,
        start_date, end_date, dose_quantity, active, device_id, compartment_id
        FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// Schedules returns schedules for a patient, or all when patientID is empty.
func (s *Store) Schedules(ctx context.Context, patientID string, activeOnly bool) ([]model.Schedule, error) {
	query := `SELECT id, patient_id, medication_id, times, weekdays,
        start_date, end_date, dose_quantity, active, device_id, compartment_id
        FROM schedules WHERE 1=1`
	var args []any
	if patientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, patientID)
	}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

// SaveSchedule inserts or replaces the schedule.
func (s *Store) SaveSchedule(ctx context.Context, sc model.Schedule, actor string) error {
	times, err := json.Marshal(sc.TimesOfDay)
	if err != nil {
		return err
	}
	days, err := json.Marshal(sc.Weekdays)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO schedules
        (id, patient_id, medication_id, times, weekdays, start_date, end_date,
         dose_quantity, active, device_id, compartment_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            patient_id = excluded.patient_id,
            medication_id = excluded.medication_id,
            times = excluded.times,
            weekdays = excluded.weekdays,
            start_date = excluded.start_date,
            end_date = excluded.end_date,
            dose_quantity = excluded.dose_quantity,
            active = excluded.active,
            device_id = excluded.device_id,
            compartment_id = excluded.compartment_id`,
		sc.ID, sc.PatientID, sc.MedicationID, string(times), string(days),
		unixOrZero(sc.StartDate), unixOrZero(sc.EndDate),
		sc.DoseQuantity, boolToInt(sc.Active), sc.DeviceID, sc.CompartmentID)
	if err != nil {
		return err
	}
	s.audit(ctx, actor, "schedule", sc.ID, "save")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (model.Schedule, error) {
	var sc model.Schedule
	var times, days string
	var start, end int64
	var active int
	err := r.Scan(&sc.ID, &sc.PatientID, &sc.MedicationID, &times, &days,
		&start, &end, &sc.DoseQuantity, &active, &sc.DeviceID, &sc.CompartmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Schedule{}, store.ErrNotFound
	}
	if err != nil {
		return model.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(times), &sc.TimesOfDay); err != nil {
		return model.Schedule{}, fmt.Errorf("times column: %w", err)
	}
	if err := json.Unmarshal([]byte(days), &sc.Weekdays); err != nil {
		return model.Schedule{}, fmt.Errorf("weekdays column: %w", err)
	}
	sc.StartDate = timeOrZero(start)
	sc.EndDate = timeOrZero(end)
	sc.Active = active == 1
	return sc, nil
}

// Event returns one dispensing event by id.
func (s *Store) Event(ctx context.Context, id string) (model.DispensingEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, schedule_id, patient_id, medication_id,
        device_id, compartment_id, scheduled_at, quantity, status, consumed_quantity,
        dispensed_at, resolved_at FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// Events returns events matching the filter ordered by scheduled instant.
func (s *Store) Events(ctx context.Context, f store.EventFilter) ([]model.DispensingEvent, error) {
	query := `SELECT id, schedule_id, patient_id, medication_id, device_id,
        compartment_id, scheduled_at, quantity, status, consumed_quantity,
        dispensed_at, resolved_at FROM events WHERE 1=1`
	var args []any
	if f.ScheduleID != "" {
		query += ` AND schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, int(*f.Status))
	}
	if !f.From.IsZero() {
		query += ` AND scheduled_at >= ?`
		args = append(args, f.From.Unix())
	}
	if !f.To.IsZero() {
		query += ` AND scheduled_at <= ?`
		args = append(args, f.To.Unix())
	}
	query += ` ORDER BY scheduled_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.DispensingEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// InsertEvents writes a batch of freshly expanded events in one transaction.
func (s *Store) InsertEvents(ctx context.Context, evs []model.DispensingEvent, actor string) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, ev := range evs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO events
            (id, schedule_id, patient_id, medication_id, device_id, compartment_id,
             scheduled_at, quantity, status, consumed_quantity, dispensed_at, resolved_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.ScheduleID, ev.PatientID, ev.MedicationID, ev.DeviceID, ev.CompartmentID,
			ev.ScheduledAt.Unix(), ev.Quantity, int(ev.Status), ev.ConsumedQuantity,
			unixOrZero(ev.DispensedAt), unixOrZero(ev.ResolvedAt)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.audit(ctx, actor, "event", fmt.Sprintf("batch:%d", len(evs)), "insert")
	return nil
}

// UpdateEvent persists a state transition.
func (s *Store) UpdateEvent(ctx context.Context, ev model.DispensingEvent, actor string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET
        status = ?, consumed_quantity = ?, dispensed_at = ?, resolved_at = ?
        WHERE id = ?`,
		int(ev.Status), ev.ConsumedQuantity, unixOrZero(ev.DispensedAt),
		unixOrZero(ev.ResolvedAt), ev.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	s.audit(ctx, actor, "event", ev.ID, "update:"+ev.Status.String())
	return nil
}

// DeleteScheduledEvents removes pending events of a schedule due at or
// after the cutoff.
func (s *Store) DeleteScheduledEvents(ctx context.Context, scheduleID string, after time.Time, actor string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE schedule_id = ? AND status = ? AND scheduled_at >= ?`,
		scheduleID, int(model.StatusScheduled), after.Unix())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.audit(ctx, actor, "event", scheduleID, fmt.Sprintf("delete-scheduled:%d", n))
	return int(n), nil
}

func scanEvent(r rowScanner) (model.DispensingEvent, error) {
	var ev model.DispensingEvent
	var scheduled, dispensed, resolved int64
	var status int
	err := r.Scan(&ev.ID, &ev.ScheduleID, &ev.PatientID, &ev.MedicationID,
		&ev.DeviceID, &ev.CompartmentID, &scheduled, &ev.Quantity, &status,
		&ev.ConsumedQuantity, &dispensed, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DispensingEvent{}, store.ErrNotFound
	}
	if err != nil {
		return model.DispensingEvent{}, err
	}
	ev.ScheduledAt = timeOrZero(scheduled)
	ev.DispensedAt = timeOrZero(dispensed)
	ev.ResolvedAt = timeOrZero(resolved)
	ev.Status = model.EventStatus(status)
	return ev, nil
}

// Device returns one device by id.
func (s *Store) Device(ctx context.Context, id string) (model.Device, error) {
	var d model.Device
	var online int
	err := s.db.QueryRowContext(ctx, `SELECT id, patient_id, serial_number,
        firmware_version, online, battery_level FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &d.PatientID, &d.SerialNumber, &d.FirmwareVersion, &online, &d.BatteryLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, store.ErrNotFound
	}
	if err != nil {
		return model.Device{}, err
	}
	d.Online = online == 1
	return d, nil
}

// SaveDevice inserts or replaces the device.
func (s *Store) SaveDevice(ctx context.Context, d model.Device, actor string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO devices
        (id, patient_id, serial_number, firmware_version, online, battery_level)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            patient_id = excluded.patient_id,
            serial_number = excluded.serial_number,
            firmware_version = excluded.firmware_version,
            online = excluded.online,
            battery_level = excluded.battery_level`,
		d.ID, d.PatientID, d.SerialNumber, d.FirmwareVersion, boolToInt(d.Online), d.BatteryLevel)
	if err != nil {
		return err
	}
	s.audit(ctx, actor, "device", d.ID, "save")
	return nil
}

// Compartment returns one compartment by id.
func (s *Store) Compartment(ctx context.Context, id string) (model.Compartment, error) {
	var c model.Compartment
	err := s.db.QueryRowContext(ctx, `SELECT id, device_id, medication_id, capacity, quantity
        FROM compartments WHERE id = ?`, id).
		Scan(&c.ID, &c.DeviceID, &c.MedicationID, &c.Capacity, &c.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Compartment{}, store.ErrNotFound
	}
	return c, err
}

// CompartmentsByDevice lists the compartments of one device.
func (s *Store) CompartmentsByDevice(ctx context.Context, deviceID string) ([]model.Compartment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, device_id, medication_id, capacity, quantity
        FROM compartments WHERE device_id = ? ORDER BY id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Compartment
	for rows.Next() {
		var c model.Compartment
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.MedicationID, &c.Capacity, &c.Quantity); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SaveCompartment inserts or replaces the compartment.
func (s *Store) SaveCompartment(ctx context.Context, c model.Compartment, actor string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO compartments
        (id, device_id, medication_id, capacity, quantity)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            device_id = excluded.device_id,
            medication_id = excluded.medication_id,
            capacity = excluded.capacity,
            quantity = excluded.quantity`,
		c.ID, c.DeviceID, c.MedicationID, c.Capacity, c.Quantity)
	if err != nil {
		return err
	}
	s.audit(ctx, actor, "compartment", c.ID, "save")
	return nil
}

// Alert returns one alert by id.
func (s *Store) Alert(ctx context.Context, id string) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, patient_id, medication_id, device_id,
        event_id, type, severity, status, escalation_level, message, created_at,
        last_escalated, acknowledged_by FROM alerts WHERE id = ?`, id)
	return scanAlert(row)
}

// Alerts returns alerts matching the filter, newest first.
func (s *Store) Alerts(ctx context.Context, f store.AlertFilter) ([]model.Alert, error) {
	query := `SELECT id, patient_id, medication_id, device_id, event_id, type,
        severity, status, escalation_level, message, created_at, last_escalated,
        acknowledged_by FROM alerts WHERE 1=1`
	var args []any
	if f.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, f.PatientID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, f.DeviceID)
	}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, int(*f.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActiveAlertByFingerprint scans active alerts for a fingerprint match.
func (s *Store) ActiveAlertByFingerprint(ctx context.Context, fp string) (model.Alert, error) {
	active := model.AlertActive
	alerts, err := s.Alerts(ctx, store.AlertFilter{Status: &active})
	if err != nil {
		return model.Alert{}, err
	}
	for _, a := range alerts {
		if a.Fingerprint() == fp {
			return a, nil
		}
	}
	return model.Alert{}, store.ErrNotFound
}

// SaveAlert inserts or replaces the alert.
func (s *Store) SaveAlert(ctx context.Context, a model.Alert, actor string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO alerts
        (id, patient_id, medication_id, device_id, event_id, type, severity,
         status, escalation_level, message, created_at, last_escalated, acknowledged_by)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            severity = excluded.severity,
            status = excluded.status,
            escalation_level = excluded.escalation_level,
            message = excluded.message,
            last_escalated = excluded.last_escalated,
            acknowledged_by = excluded.acknowledged_by`,
		a.ID, a.PatientID, a.MedicationID, a.DeviceID, a.EventID, int(a.Type),
		int(a.Severity), int(a.Status), a.EscalationLevel, a.Message,
		unixOrZero(a.CreatedAt), unixOrZero(a.LastEscalated), a.AcknowledgedBy)
	if err != nil {
		return err
	}
	s.audit(ctx, actor, "alert", a.ID, "save:"+a.Status.String())
	return nil
}

// AppendNotification records one delivery attempt. The log is append-only.
func (s *Store) AppendNotification(ctx context.Context, n model.NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications
        (id, alert_id, channel, recipient, sent_at, delivered, error)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AlertID, n.Channel, n.Recipient, unixOrZero(n.SentAt),
		boolToInt(n.Delivered), n.Error)
	return err
}

// NotificationsByAlert lists delivery attempts for one alert.
func (s *Store) NotificationsByAlert(ctx context.Context, alertID string) ([]model.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, alert_id, channel, recipient,
        sent_at, delivered, error FROM notifications WHERE alert_id = ? ORDER BY sent_at, id`, alertID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.NotificationRecord
	for rows.Next() {
		var n model.NotificationRecord
		var sent int64
		var delivered int
		if err := rows.Scan(&n.ID, &n.AlertID, &n.Channel, &n.Recipient, &sent, &delivered, &n.Error); err != nil {
			return nil, err
		}
		n.SentAt = timeOrZero(sent)
		n.Delivered = delivered == 1
		res = append(res, n)
	}
	return res, rows.Err()
}

func scanAlert(r rowScanner) (model.Alert, error) {
	var a model.Alert
	var typ, sev, status int
	var created, escalated int64
	err := r.Scan(&a.ID, &a.PatientID, &a.MedicationID, &a.DeviceID, &a.EventID,
		&typ, &sev, &status, &a.EscalationLevel, &a.Message, &created, &escalated,
		&a.AcknowledgedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, store.ErrNotFound
	}
	if err != nil {
		return model.Alert{}, err
	}
	a.Type = model.AlertType(typ)
	a.Severity = model.Severity(sev)
	a.Status = model.AlertStatus(status)
	a.CreatedAt = timeOrZero(created)
	a.LastEscalated = timeOrZero(escalated)
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"switchline/internal/db"
	"switchline/internal/domain"
	"switchline/internal/storeerr"
)

const entityTask = "process_tracker"

const taskColumns = `id,name,tag,runner,retry_count,schedule_time,rule,tracking_data,business_status,status,created_at,updated_at`

func scanTask(s rowScanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		tag, status, createdAt, updatedAt string
		scheduleTime, trackingData        sql.NullString
	)
	if err := s.Scan(&t.ID, &t.Name, &tag, &t.Runner, &t.RetryCount, &scheduleTime, &t.Rule, &trackingData,
		&t.BusinessStatus, &status, &createdAt, &updatedAt); err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	if tag != "" {
		if err := json.Unmarshal([]byte(tag), &t.Tag); err != nil {
			return t, storeerr.Serialization(entityTask, fmt.Errorf("tag: %w", err))
		}
	}
	if trackingData.Valid && trackingData.String != "" {
		t.TrackingData = json.RawMessage(trackingData.String)
	}
	var err error
	if t.ScheduleTime, err = timePtr(scheduleTime); err != nil {
		return t, fmt.Errorf("schedule_time: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, fmt.Errorf("created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, fmt.Errorf("updated_at: %w", err)
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	tag := t.Tag
	if tag == nil {
		tag = []string{}
	}
	tagJSON, err := json.Marshal(tag)
	if err != nil {
		return storeerr.Serialization(entityTask, err)
	}
	var tracking any
	if len(t.TrackingData) > 0 {
		tracking = string(t.TrackingData)
	}
	_, err = r.exec(ctx, `INSERT INTO process_tracker(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, string(tagJSON), t.Runner, t.RetryCount, nullableTimePtr(t.ScheduleTime), t.Rule, tracking,
		t.BusinessStatus, string(t.Status), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return mapError(entityTask, t.ID, err)
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.queryRow(ctx, `SELECT `+taskColumns+` FROM process_tracker WHERE id=?`, id))
	if err != nil {
		return domain.Task{}, mapError(entityTask, id, err)
	}
	return t, nil
}

type TaskFilter struct {
	Status string
	Runner string
	Limit  int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Runner != "" {
		clauses = append(clauses, "runner=?")
		args = append(args, f.Runner)
	}
	q := `SELECT ` + taskColumns + ` FROM process_tracker`
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.listTasks(ctx, q, args...)
}

func (r Repo) listTasks(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, mapError(entityTask, "", err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapError(entityTask, "", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(entityTask, "", err)
	}
	return res, nil
}

// StartTasks moves the given tasks to ProcessStarted in one statement, but only those whose
// business status is in allowed and that are not finished. It returns the ids it moved.
func (r Repo) StartTasks(ctx context.Context, ids []string, allowed []string, now time.Time) ([]string, error) {
	if len(ids) == 0 || len(allowed) == 0 {
		return nil, nil
	}
	args := []any{string(domain.TaskProcessStarted), formatTime(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	for _, s := range allowed {
		args = append(args, s)
	}
	args = append(args, string(domain.TaskFinish))
	q := fmt.Sprintf(`UPDATE process_tracker SET status=?, updated_at=? WHERE id IN (%s) AND business_status IN (%s) AND status<>? RETURNING id`,
		db.Placeholders(len(ids)), db.Placeholders(len(allowed)))
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, mapError(entityTask, "", err)
	}
	defer rows.Close()
	var started []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(entityTask, "", err)
		}
		started = append(started, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(entityTask, "", err)
	}
	return started, nil
}

// ClaimDueTasks moves up to limit due Pending or Retry tasks to Processing and returns them.
// The conditional update makes concurrent producers pick disjoint sets.
func (r Repo) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	nowStr := formatTime(now)
	rows, err := r.query(ctx, `SELECT id FROM process_tracker WHERE status IN (?,?) AND (schedule_time IS NULL OR schedule_time<=?) ORDER BY schedule_time, created_at LIMIT ?`,
		string(domain.TaskPending), string(domain.TaskRetry), nowStr, limit)
	if err != nil {
		return nil, mapError(entityTask, "", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, mapError(entityTask, "", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError(entityTask, "", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{string(domain.TaskProcessing), nowStr}, ids...)
	args = append(args, string(domain.TaskPending), string(domain.TaskRetry))
	q := fmt.Sprintf(`UPDATE process_tracker SET status=?, updated_at=? WHERE id IN (%s) AND status IN (?,?) RETURNING `+taskColumns, db.Placeholders(len(ids)))
	return r.listTasks(ctx, q, args...)
}

// FinishTask marks the task Finish with the business status. It reports false when the task
// was already finished, so a task finishes exactly once.
func (r Repo) FinishTask(ctx context.Context, id, businessStatus string, now time.Time) (bool, error) {
	res, err := r.exec(ctx, `UPDATE process_tracker SET status=?, business_status=?, updated_at=? WHERE id=? AND status<>?`,
		string(domain.TaskFinish), businessStatus, formatTime(now), id, string(domain.TaskFinish))
	if err != nil {
		return false, mapError(entityTask, id, err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	if _, err := r.GetTask(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RetryTask reschedules an unfinished task and bumps its retry count.
func (r Repo) RetryTask(ctx context.Context, id string, scheduleTime, now time.Time) error {
	res, err := r.exec(ctx, `UPDATE process_tracker SET status=?, business_status=?, retry_count=retry_count+1, schedule_time=?, updated_at=? WHERE id=? AND status<>?`,
		string(domain.TaskRetry), domain.BusinessStatusPending, formatTime(scheduleTime), formatTime(now), id, string(domain.TaskFinish))
	if err != nil {
		return mapError(entityTask, id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("task %s already finished", id)
	}
	return nil
}

// UpdateTaskTrackingData replaces the workflow payload of a task.
func (r Repo) UpdateTaskTrackingData(ctx context.Context, id string, data json.RawMessage, now time.Time) error {
	res, err := r.exec(ctx, `UPDATE process_tracker SET tracking_data=?, updated_at=? WHERE id=?`, string(data), formatTime(now), id)
	if err != nil {
		return mapError(entityTask, id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return mapError(entityTask, id, sql.ErrNoRows)
	}
	return nil
}

// ReleaseTasks returns Processing tasks to Pending so a later producer cycle picks them up
// again. Tasks a consumer already started are left alone.
func (r Repo) ReleaseTasks(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{string(domain.TaskPending), formatTime(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(domain.TaskProcessing))
	q := fmt.Sprintf(`UPDATE process_tracker SET status=?, updated_at=? WHERE id IN (%s) AND status=?`, db.Placeholders(len(ids)))
	_, err := r.exec(ctx, q, args...)
	return mapError(entityTask, "", err)
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/frestq/frestq/pkg/types"

	_ "modernc.org/sqlite"
)

// taskColumns is the column list used by every task query, matching the
// order scanTask reads them.
const taskColumns = `id, task_type, task_metadata, label, action, queue_name,
	status, is_received, is_local, parent_id, task_order, receiver_url,
	sender_url, sender_ssl_cert, receiver_ssl_cert, created_date,
	last_modified_date, input_data, output_data, reservation_data,
	pingback_date, expiration_date, info_text`

const messageColumns = `id, sender_url, queue_name, is_received, receiver_url,
	sender_ssl_cert, receiver_ssl_cert, created_date, action, input_data,
	output_status, pingback_date, expiration_date, info_text, task_id`

// taskFilterColumns maps user-facing filter keys to columns, restricting
// what the CLI may filter on.
var taskFilterColumns = map[string]string{
	"id":         "id",
	"task_type":  "task_type",
	"label":      "label",
	"action":     "action",
	"queue_name": "queue_name",
	"status":     "status",
	"parent_id":  "parent_id",
	"sender_url": "sender_url",
}

var messageFilterColumns = map[string]string{
	"id":         "id",
	"action":     "action",
	"queue_name": "queue_name",
	"sender_url": "sender_url",
	"task_id":    "task_id",
}

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (or creates) the database file and runs migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// Migrate creates the task and message tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			task_metadata TEXT,
			label TEXT,
			action TEXT NOT NULL,
			queue_name TEXT NOT NULL,
			status TEXT NOT NULL,
			is_received BOOLEAN NOT NULL DEFAULT false,
			is_local BOOLEAN NOT NULL DEFAULT false,
			parent_id TEXT,
			task_order INTEGER NOT NULL DEFAULT 0,
			receiver_url TEXT,
			sender_url TEXT,
			sender_ssl_cert TEXT,
			receiver_ssl_cert TEXT,
			created_date DATETIME NOT NULL,
			last_modified_date DATETIME NOT NULL,
			input_data TEXT,
			output_data TEXT,
			reservation_data TEXT,
			pingback_date DATETIME,
			expiration_date DATETIME,
			info_text TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_parent ON task(parent_id, task_order)`,
		`CREATE INDEX IF NOT EXISTS idx_task_status ON task(status)`,
		`CREATE TABLE IF NOT EXISTS message (
			id TEXT PRIMARY KEY,
			sender_url TEXT,
			queue_name TEXT,
			is_received BOOLEAN NOT NULL DEFAULT false,
			receiver_url TEXT,
			sender_ssl_cert TEXT,
			receiver_ssl_cert TEXT,
			created_date DATETIME NOT NULL,
			action TEXT NOT NULL,
			input_data TEXT,
			output_status INTEGER,
			pingback_date DATETIME,
			expiration_date DATETIME,
			info_text TEXT,
			task_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_task ON message(task_id)`,
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, migration := range migrations {
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTask(ctx context.Context, db execer, task *types.Task) error {
	if task.CreatedDate.IsZero() {
		task.CreatedDate = time.Now().UTC()
	}
	if task.LastModified.IsZero() {
		task.LastModified = task.CreatedDate
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO task (`+taskColumns+`) VALUES
		 (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.TaskType), jsonText(task.TaskMetadata), task.Label,
		task.Action, task.QueueName, string(task.Status), task.IsReceived,
		task.IsLocal, nullString(task.ParentID), task.Order, task.ReceiverURL,
		task.SenderURL, task.SenderSSLCert, task.ReceiverSSLCert,
		task.CreatedDate, task.LastModified, jsonText(task.InputData),
		jsonText(task.OutputData), jsonText(task.ReservationData),
		nullTime(task.PingbackDate), nullTime(task.ExpirationDate),
		task.InfoText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// CreateTask inserts a single task row.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *types.Task) error {
	return insertTask(ctx, s.conn, task)
}

// CreateTasks inserts a group of tasks in one transaction, used when a
// composite and its subtasks must become durable together.
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks ...*types.Task) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTask returns a task by exact id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByPrefix returns the first task whose id starts with the prefix.
func (s *SQLiteStore) GetTaskByPrefix(ctx context.Context, prefix string) (*types.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE id LIKE ? ORDER BY id LIMIT 1`,
		prefix+"%")
	return scanTask(row)
}

// UpdateTask rewrites all mutable columns of a task row.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *types.Task) error {
	task.LastModified = time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`UPDATE task SET task_type = ?, task_metadata = ?, label = ?,
			action = ?, queue_name = ?, status = ?, is_received = ?,
			is_local = ?, parent_id = ?, task_order = ?, receiver_url = ?,
			sender_url = ?, sender_ssl_cert = ?, receiver_ssl_cert = ?,
			last_modified_date = ?, input_data = ?, output_data = ?,
			reservation_data = ?, pingback_date = ?, expiration_date = ?,
			info_text = ?
		 WHERE id = ?`,
		string(task.TaskType), jsonText(task.TaskMetadata), task.Label,
		task.Action, task.QueueName, string(task.Status), task.IsReceived,
		task.IsLocal, nullString(task.ParentID), task.Order, task.ReceiverURL,
		task.SenderURL, task.SenderSSLCert, task.ReceiverSSLCert,
		task.LastModified, jsonText(task.InputData), jsonText(task.OutputData),
		jsonText(task.ReservationData), nullTime(task.PingbackDate),
		nullTime(task.ExpirationDate), task.InfoText, task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns tasks matching the given column filters, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filters map[string]string, limit int) ([]*types.Task, error) {
	where, args, err := buildFilters(filters, taskFilterColumns)
	if err != nil {
		return nil, err
	}
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task`+where+
			` ORDER BY created_date DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Children returns a task's subtasks ordered by the order column.
func (s *SQLiteStore) Children(ctx context.Context, parentID string) ([]*types.Task, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE parent_id = ? ORDER BY task_order`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ChildByLabel returns a subtask by label, or ErrNotFound.
func (s *SQLiteStore) ChildByLabel(ctx context.Context, parentID, label string) (*types.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE parent_id = ? AND label = ? LIMIT 1`,
		parentID, label)
	return scanTask(row)
}

// ChildByOrder returns the subtask at a given position, or ErrNotFound.
func (s *SQLiteStore) ChildByOrder(ctx context.Context, parentID string, order int) (*types.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE parent_id = ? AND task_order = ? LIMIT 1`,
		parentID, order)
	return scanTask(row)
}

// NextPendingChild returns the lowest-ordered non-finished subtask, or
// ErrNotFound when every subtask is finished.
func (s *SQLiteStore) NextPendingChild(ctx context.Context, parentID string) (*types.Task, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task
		 WHERE parent_id = ? AND status != 'finished'
		 ORDER BY task_order LIMIT 1`, parentID)
	return scanTask(row)
}

// CountChildren counts all subtasks of a task.
func (s *SQLiteStore) CountChildren(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task WHERE parent_id = ?`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return n, nil
}

// CountUnfinishedChildren counts subtasks not yet finished.
func (s *SQLiteStore) CountUnfinishedChildren(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task WHERE parent_id = ? AND status != 'finished'`,
		parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unfinished children: %w", err)
	}
	return n, nil
}

// ErroredChildren returns subtasks in the error state.
func (s *SQLiteStore) ErroredChildren(ctx context.Context, parentID string) ([]*types.Task, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task
		 WHERE parent_id = ? AND status = 'error' ORDER BY task_order`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query errored children: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CreateMessage inserts a message row.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *types.Message) error {
	if msg.CreatedDate.IsZero() {
		msg.CreatedDate = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO message (`+messageColumns+`) VALUES
		 (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderURL, msg.QueueName, msg.IsReceived, msg.ReceiverURL,
		msg.SenderSSLCert, msg.ReceiverSSLCert, msg.CreatedDate, msg.Action,
		jsonText(msg.InputData), msg.OutputStatus, nullTime(msg.PingbackDate),
		nullTime(msg.ExpirationDate), msg.InfoText, nullString(msg.TaskID),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage returns a message by exact id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE id = ?`, id)
	return scanMessage(row)
}

// GetMessageByPrefix returns the first message whose id starts with the
// prefix.
func (s *SQLiteStore) GetMessageByPrefix(ctx context.Context, prefix string) (*types.Message, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE id LIKE ? ORDER BY id LIMIT 1`,
		prefix+"%")
	return scanMessage(row)
}

// UpdateMessage records the outcome of a send attempt (output status and
// the captured receiver certificate) plus a task id assigned at intake.
// Everything else on a message row is immutable.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *types.Message) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE message SET output_status = ?, receiver_ssl_cert = ?, task_id = ?
		 WHERE id = ?`,
		msg.OutputStatus, msg.ReceiverSSLCert, nullString(msg.TaskID), msg.ID)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns messages matching the given column filters, newest
// first.
func (s *SQLiteStore) ListMessages(ctx context.Context, filters map[string]string, limit int) ([]*types.Message, error) {
	where, args, err := buildFilters(filters, messageFilterColumns)
	if err != nil {
		return nil, err
	}
	args = append(args, limit)

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message`+where+
			` ORDER BY created_date DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func buildFilters(filters map[string]string, allowed map[string]string) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	for key, value := range filters {
		col, ok := allowed[key]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter column %q", key)
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var taskType, status string
	var metadata, input, output, reservation sql.NullString
	var label, parentID, receiverURL, senderURL sql.NullString
	var senderCert, receiverCert, infoText sql.NullString
	var pingback, expiration sql.NullTime

	err := row.Scan(&t.ID, &taskType, &metadata, &label, &t.Action,
		&t.QueueName, &status, &t.IsReceived, &t.IsLocal, &parentID,
		&t.Order, &receiverURL, &senderURL, &senderCert, &receiverCert,
		&t.CreatedDate, &t.LastModified, &input, &output, &reservation,
		&pingback, &expiration, &infoText)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.TaskType = types.TaskType(taskType)
	t.Status = types.TaskStatus(status)
	t.TaskMetadata = jsonRaw(metadata)
	t.Label = label.String
	t.ParentID = parentID.String
	t.ReceiverURL = receiverURL.String
	t.SenderURL = senderURL.String
	t.SenderSSLCert = senderCert.String
	t.ReceiverSSLCert = receiverCert.String
	t.InputData = jsonRaw(input)
	t.OutputData = jsonRaw(output)
	t.ReservationData = jsonRaw(reservation)
	t.PingbackDate = timePtr(pingback)
	t.ExpirationDate = timePtr(expiration)
	t.InfoText = infoText.String
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var m types.Message
	var senderURL, receiverURL, senderCert, receiverCert sql.NullString
	var input, infoText, taskID sql.NullString
	var outputStatus sql.NullInt64
	var pingback, expiration sql.NullTime

	err := row.Scan(&m.ID, &senderURL, &m.QueueName, &m.IsReceived,
		&receiverURL, &senderCert, &receiverCert, &m.CreatedDate, &m.Action,
		&input, &outputStatus, &pingback, &expiration, &infoText, &taskID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	m.SenderURL = senderURL.String
	m.ReceiverURL = receiverURL.String
	m.SenderSSLCert = senderCert.String
	m.ReceiverSSLCert = receiverCert.String
	m.InputData = jsonRaw(input)
	m.OutputStatus = int(outputStatus.Int64)
	m.PingbackDate = timePtr(pingback)
	m.ExpirationDate = timePtr(expiration)
	m.InfoText = infoText.String
	m.TaskID = taskID.String
	return &m, nil
}

func jsonText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

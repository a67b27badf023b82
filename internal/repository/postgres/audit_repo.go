package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
)

// AuditRepo — персистентный слой аудита. Кольцевой буфер в памяти
// остается диагностическим окном; база — долговременный compliance-архив.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_records
	numFields := 8
	placeholderStr := ""
	vals := make([]interface{}, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8)

		rawCtx, _ := json.Marshal(rec.Context)

		vals = append(vals,
			rec.ID, rec.TraceID, rec.Actor, rec.Agent,
			string(rec.Action), string(rec.Outcome), rawCtx, rec.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO audit_records (id, trace_id, actor, agent, action, outcome, context, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// ReadPage — постраничное чтение архива, новые записи первыми.
func (r *AuditRepo) ReadPage(ctx context.Context, page, perPage int) ([]audit.Record, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_records").Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trace_id, actor, agent, action, outcome, context, timestamp
		FROM audit_records
		ORDER BY timestamp DESC
		LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]audit.Record, 0, perPage)
	for rows.Next() {
		var rec audit.Record
		var rawCtx []byte
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Actor, &rec.Agent,
			&rec.Action, &rec.Outcome, &rawCtx, &rec.Timestamp); err != nil {
			return nil, 0, err
		}
		if len(rawCtx) > 0 {
			_ = json.Unmarshal(rawCtx, &rec.Context)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// Stats — агрегаты для дашборда консоли за последний час.
// PERCENTILE_CONT дает честный P95 по длительности шагов.
func (r *AuditRepo) Stats(ctx context.Context) (*AuditStats, error) {
	s := &AuditStats{}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'DENIED'),
			COUNT(*) FILTER (WHERE outcome = 'ERROR'),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (
				ORDER BY COALESCE((context->>'duration_ms')::bigint, 0)), 0)
		FROM audit_records
		WHERE timestamp > NOW() - INTERVAL '60 minutes'`).Scan(
		&s.TotalEvents, &s.Denied, &s.Errors, &s.P95DurationMs,
	)
	if err != nil {
		return nil, err
	}

	// RPS = события за час / 3600
	s.RPS = float64(s.TotalEvents) / 3600
	return s, nil
}

type AuditStats struct {
	TotalEvents   int64   `json:"total_events"`
	Denied        int64   `json:"denied"`
	Errors        int64   `json:"errors"`
	P95DurationMs float64 `json:"p95_duration_ms"`
	RPS           float64 `json:"rps"`
}

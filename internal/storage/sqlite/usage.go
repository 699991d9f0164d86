package sqlite

import (
	"context"
	"database/sql"
	"strings"

	gateway "github.com/Dolores18/api-manager/internal"
)

// InsertUsage batch-inserts usage records.
// Single multi-row INSERT avoids N round-trips for large batches.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 10
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		var requestID any
		if r.RequestID != "" {
			requestID = r.RequestID
		}
		args = append(args,
			r.ID, r.ProviderAPIKey, formatTime(r.RequestTime), r.Model,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			string(r.Status), r.ClientIP, requestID,
		)
	}

	query := `INSERT INTO api_usage
		(id, provider_api_key, request_time, model,
		 prompt_tokens, completion_tokens, total_tokens,
		 status, client_ip, request_id)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// ListUsageByKey returns the most recent usage rows for a provider key.
func (s *Store) ListUsageByKey(ctx context.Context, apiKey string, limit int) ([]gateway.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, provider_api_key, request_time, model,
		 prompt_tokens, completion_tokens, total_tokens, status, client_ip, request_id
		 FROM api_usage WHERE provider_api_key = ?
		 ORDER BY request_time DESC LIMIT ?`, apiKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageRecord
	for rows.Next() {
		var r gateway.UsageRecord
		var status, requestTime string
		var clientIP, requestID sql.NullString
		err := rows.Scan(
			&r.ID, &r.ProviderAPIKey, &requestTime, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&status, &clientIP, &requestID,
		)
		if err != nil {
			return nil, err
		}
		r.Status = gateway.CallStatus(status)
		r.RequestTime = parseTime(requestTime)
		r.ClientIP = clientIP.String
		r.RequestID = requestID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

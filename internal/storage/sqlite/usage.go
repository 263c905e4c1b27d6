package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/eugener/plexus/internal"
)

// InsertUsage batch-inserts usage records into request_usage (spec.md §6).
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
		args = append(args,
			r.RequestID, r.Date, r.SourceIP, r.APIKey,
			string(r.IncomingAPIType), r.Provider, r.IncomingModelAlias, r.SelectedModelName,
			string(r.OutgoingAPIType),
			r.TokensInput, r.TokensOutput, r.TokensReasoning, r.TokensCached, r.CostTotal,
			r.StartTime.UTC().Format(time.RFC3339Nano), r.DurationMs, r.TTFTMs, r.TokensPerSec,
			boolToInt(r.IsStreamed), r.ResponseStatus,
		)
	}

	query := `INSERT INTO request_usage
		(request_id, date, source_ip, api_key, incoming_api_type, provider,
		 incoming_model_alias, selected_model_name, outgoing_api_type,
		 tokens_input, tokens_output, tokens_reasoning, tokens_cached, cost_total,
		 start_time, duration_ms, ttft_ms, tokens_per_sec, is_streamed, response_status)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumCost returns the total accumulated cost for a given API key name.
func (s *Store) SumCost(ctx context.Context, apiKey string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_total), 0) FROM request_usage WHERE api_key = ?`, apiKey,
	).Scan(&total)
	return total, err
}

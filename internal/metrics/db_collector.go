package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// StartDBCollectors refreshes the row-count gauges from Postgres until ctx is done.
func StartDBCollectors(ctx context.Context, db *pgxpool.Pool, interval time.Duration, logger *zap.Logger) {
	if db == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		updateDBGauges(ctx, db, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateDBGauges(ctx, db, logger)
			}
		}
	}()
}

func updateDBGauges(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) {
	counts, err := countByStatus(ctx, db, `SELECT delivery_status, COUNT(*) FROM communication_recipients GROUP BY delivery_status`)
	if err != nil {
		logger.Warn("metrics: count recipients", zap.Error(err))
	}
	for _, s := range []string{"pending", "attempting", "delivered", "failed"} {
		SetRecipientStatusCount(s, counts[s])
	}

	counts, err = countByStatus(ctx, db, `SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		logger.Warn("metrics: count outbox", zap.Error(err))
		return
	}
	for status, n := range counts {
		SetOutboxStatusCount(status, n)
	}
	SetOutboxPendingCount(counts["pending"])
}

func countByStatus(ctx context.Context, db *pgxpool.Pool, query string) (map[string]int64, error) {
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

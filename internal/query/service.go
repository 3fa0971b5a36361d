package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables.
// Queries are served over HTTP/JSON and gRPC, reading from PostgreSQL
// projections. All responses include as_of_sequence for freshness semantics.
//
// Account paths in projections are instance-qualified:
// "{torex_id}/trader:{uuid}:{sub_type}:{asset}" and
// "{torex_id}/system:{sub_type}:{asset}".
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetTraderBalance returns a trader's paid-in totals for one instance.
func (qs *QueryService) GetTraderBalance(
	ctx context.Context,
	torexID string,
	traderID uuid.UUID,
	asset string,
) (*TraderBalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	contribPath := fmt.Sprintf("%s/trader:%s:contrib_outflow:%s", torexID, traderID, asset)
	contrib, err := qs.getProjectedBalance(ctx, contribPath)
	if err != nil {
		return nil, err
	}

	feePath := fmt.Sprintf("%s/trader:%s:fee_outflow:%s", torexID, traderID, asset)
	fees, err := qs.getProjectedBalance(ctx, feePath)
	if err != nil {
		return nil, err
	}

	return &TraderBalanceResponse{
		Torex:          torexID,
		Trader:         traderID,
		Asset:          asset,
		NetContribPaid: -contrib,
		FeesPaid:       -fees,
		AsOfSequence:   asOfSeq,
	}, nil
}

// GetInstanceBalances returns the system account balances of one instance.
func (qs *QueryService) GetInstanceBalances(
	ctx context.Context,
	torexID string,
	inAsset string,
	outAsset string,
) (*InstanceBalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &InstanceBalancesResponse{
		Torex:        torexID,
		AsOfSequence: asOfSeq,
	}

	lookups := []struct {
		path string
		dst  *int64
	}{
		{fmt.Sprintf("%s/system:vault_in:%s", torexID, inAsset), &resp.VaultIn},
		{fmt.Sprintf("%s/system:vault_out:%s", torexID, outAsset), &resp.VaultOut},
		{fmt.Sprintf("%s/system:fee_buffer:%s", torexID, inAsset), &resp.FeeBuffer},
		{fmt.Sprintf("%s/system:fees:%s", torexID, inAsset), &resp.Fees},
	}
	for _, l := range lookups {
		bal, err := qs.getProjectedBalance(ctx, l.path)
		if err != nil {
			return nil, err
		}
		*l.dst = bal
	}

	return resp, nil
}

// ListMovementHistory returns completed movement cycles for an instance,
// newest first, with cursor-based pagination.
func (qs *QueryService) ListMovementHistory(
	ctx context.Context,
	torexID string,
	limit int,
	beforeSequence *int64,
) ([]MovementHistoryResponse, error) {
	query := `
		SELECT sequence, torex_id, in_amount, out_amount, distributed, moved_at
		FROM projections.movement_history
		WHERE torex_id = $1
	`
	args := []interface{}{torexID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []MovementHistoryResponse
	for rows.Next() {
		var h MovementHistoryResponse
		if err := rows.Scan(
			&h.Sequence, &h.Torex, &h.InAmount, &h.OutAmount, &h.Distributed, &h.MovedAt,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// ListFlowHistory returns flow lifecycle changes for an instance.
func (qs *QueryService) ListFlowHistory(
	ctx context.Context,
	torexID string,
	traderID *uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]FlowHistoryResponse, error) {
	query := `
		SELECT sequence, torex_id, trader_account, change_type, changed_at
		FROM projections.flow_history
		WHERE torex_id = $1
	`
	args := []interface{}{torexID}
	argIdx := 2

	if traderID != nil {
		query += fmt.Sprintf(" AND trader_account LIKE $%d", argIdx)
		args = append(args, fmt.Sprintf("%%trader:%s:%%", traderID))
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FlowHistoryResponse
	for rows.Next() {
		var h FlowHistoryResponse
		if err := rows.Scan(
			&h.Sequence, &h.Torex, &h.TraderAccount, &h.ChangeType, &h.ChangedAt,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching a trader's accounts,
// newest first, with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	torexID string,
	traderID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("%s/trader:%s:%%", torexID, traderID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the global zero-sum
// invariant per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal moves value between two accounts, so balances must
	// sum to zero across all accounts per asset.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/glsync/internal/civiltime"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
)

// initialBalanceLookbackDays caps how far the first changeset walks back.
const initialBalanceLookbackDays = 2 * 365

// AccountBalance is one synthesized closing balance of an account on a date.
type AccountBalance struct {
	Date            string `json:"Date"`
	AccountID       string `json:"AccountId"`
	AccountName     string `json:"AccountName"`
	Debit           string `json:"Debit"`
	Credit          string `json:"Credit"`
	CreateTime      string `json:"CreateTime"`
	LastUpdatedTime string `json:"LastUpdatedTime"`
}

// BalanceItemID renders the item id of an account balance.
func BalanceItemID(accountID, date string) string {
	return fmt.Sprintf("%s_%s", accountID, date)
}

func (m *Machine) nextBalanceDate(ctx context.Context, source ReportSource, run *Run, logger *zap.Logger) (bool, Payload, error) {
	cursor := run.Cursor
	today := civiltime.Today(run.Org.Country, run.Now)
	todayText := civiltime.FormatDate(today)

	var gap int
	marker := today
	switch {
	case cursor.BalanceMarker != "":
		parsed, err := civiltime.ParseDate(cursor.BalanceMarker)
		if err != nil {
			logger.Warn("unreadable balance marker, restarting cycle", zap.String("marker", cursor.BalanceMarker))
			cursor.BalanceMarker = ""
			cursor.BalanceInitialMarker = todayText
		} else {
			logger.Info("continuing a balance cycle in progress")
			marker = parsed
			gap = civiltime.DaysBetween(marker, today)
		}
	case cursor.BalanceInitialMarker != todayText:
		logger.Info("starting a new balance cycle", zap.String("today", todayText))
		cursor.BalanceInitialMarker = todayText
	default:
		logger.Info("not syncing balances, org day has not ticked over")
		return true, Payload{}, nil
	}

	date := civiltime.FormatDate(marker)
	logger = logger.With(zap.String("report_date", date))
	rows, err := source.TrialBalance(ctx, run.Session, run.Org, date)
	if err != nil {
		return false, nil, err
	}

	stamp := FormatTimestamp(run.Now)
	candidates := make(map[string]AccountBalance, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.AccountID == "" {
			logger.Warn("dropping balance row without account id", zap.String("account_name", row.AccountName))
			continue
		}
		id := BalanceItemID(row.AccountID, date)
		if _, seen := candidates[id]; !seen {
			ids = append(ids, id)
		}
		candidates[id] = AccountBalance{
			Date:            date,
			AccountID:       row.AccountID,
			AccountName:     row.AccountName,
			Debit:           row.Debit,
			Credit:          row.Credit,
			CreateTime:      stamp,
			LastUpdatedTime: stamp,
		}
	}

	current, err := m.store.LatestItems(ctx, run.Org.ID, AccountBalanceEndpoint, ids)
	if err != nil {
		return false, nil, err
	}
	items := make([]ledger.Item, 0, len(ids)*2)
	for _, id := range ids {
		balance := candidates[id]
		if existing, ok := current[id]; ok && !balanceChanged(existing, balance) {
			continue
		}
		encoded, err := json.Marshal(balance)
		if err != nil {
			return false, nil, newEngineError(opBalance, "encode_failed", err)
		}
		items = append(items, ledger.NewItemPair(run.Org, AccountBalanceEndpoint, id, encoded)...)
	}
	if len(items) > 0 {
		if err := m.store.PutItems(ctx, items); err != nil {
			return false, nil, newEngineError(opBalance, "put_items_failed", err)
		}
	}
	logger.Info("processed balances", zap.Int("rows", len(rows)), zap.Int("changed", len(items)/2))

	if (run.Org.Changeset == 0 && gap > initialBalanceLookbackDays) || len(rows) == 0 {
		logger.Info("balance cycle finished", zap.Int("gap_days", gap), zap.Int("rows", len(rows)))
		cursor.BalanceMarker = ""
		return true, Payload{}, nil
	}
	cursor.BalanceMarker = civiltime.FormatDate(marker.AddDate(0, 0, -1))
	return false, Payload{}, nil
}

func balanceChanged(existing ledger.Item, candidate AccountBalance) bool {
	var stored AccountBalance
	if err := existing.Decode(&stored); err != nil {
		return true
	}
	return stored.Debit != candidate.Debit || stored.Credit != candidate.Credit
}

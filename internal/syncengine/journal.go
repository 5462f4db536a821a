package syncengine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
)

const (
	// JournalEndpoint is the endpoint synthesized journals are stored under.
	JournalEndpoint = "Journal"
	// AccountBalanceEndpoint is the endpoint synthesized balances are stored under.
	AccountBalanceEndpoint = "AccountBalance"

	journalFlushSize = 500
)

// LedgerLine is one posting of a General Ledger report with its owning account resolved.
type LedgerLine struct {
	TransactionType string
	TransactionID   string
	Date            string
	AccountID       string
	AccountName     string
	Amount          string
	Description     string
}

// BalanceRow is one account row of a Trial Balance report.
type BalanceRow struct {
	AccountID   string
	AccountName string
	Debit       string
	Credit      string
}

// ReportSource fetches and flattens the provider's accounting reports.
type ReportSource interface {
	GeneralLedger(ctx context.Context, session apisession.Session, org ledger.Org, date string) ([]LedgerLine, error)
	TrialBalance(ctx context.Context, session apisession.Session, org ledger.Org, date string) ([]BalanceRow, error)
	// TransactionEndpoint maps a report transaction type to the endpoint that owns it.
	TransactionEndpoint(transactionType string) (string, bool)
}

type JournalLine struct {
	AccountID   string `json:"AccountId"`
	AccountName string `json:"AccountName"`
	Amount      string `json:"Amount"`
	Description string `json:"Description"`
}

// Journal is one synthesized transaction with all of its postings.
type Journal struct {
	ID              string        `json:"Id"`
	TransactionType string        `json:"TransactionType"`
	TransactionID   string        `json:"TransactionId"`
	Date            string        `json:"Date"`
	Lines           []JournalLine `json:"Lines"`
	CreateTime      string        `json:"CreateTime"`
	LastUpdatedTime string        `json:"LastUpdatedTime"`
}

// FormatTimestamp renders the synthesized create and update time of a record.
func FormatTimestamp(now time.Time) string {
	return now.UTC().Format("2006-01-02T15:04:05") + "+00:00"
}

// SynthesizeJournals groups report lines into one journal per transaction ordered by id.
// Lines with an unknown transaction type are returned as dropped.
func SynthesizeJournals(lines []LedgerLine, endpointFor func(string) (string, bool), now time.Time) ([]Journal, []LedgerLine) {
	stamp := FormatTimestamp(now)
	byID := make(map[string]*Journal)
	var dropped []LedgerLine
	for _, line := range lines {
		endpoint, ok := endpointFor(line.TransactionType)
		if !ok || line.TransactionID == "" {
			dropped = append(dropped, line)
			continue
		}
		id := endpoint + line.TransactionID
		journal, exists := byID[id]
		if !exists {
			journal = &Journal{
				ID:              id,
				TransactionType: line.TransactionType,
				TransactionID:   line.TransactionID,
				Date:            line.Date,
				CreateTime:      stamp,
				LastUpdatedTime: stamp,
			}
			byID[id] = journal
		}
		journal.Lines = append(journal.Lines, JournalLine{
			AccountID:   line.AccountID,
			AccountName: line.AccountName,
			Amount:      line.Amount,
			Description: line.Description,
		})
	}

	journals := make([]Journal, 0, len(byID))
	for _, journal := range byID {
		journals = append(journals, *journal)
	}
	sort.Slice(journals, func(i, j int) bool {
		return journals[i].ID < journals[j].ID
	})
	return journals, dropped
}

func (m *Machine) nextJournalDate(ctx context.Context, source ReportSource, run *Run, logger *zap.Logger) (bool, Payload, error) {
	date, ok := run.Cursor.PeekJournalDate()
	if !ok {
		return true, Payload{}, nil
	}
	logger = logger.With(zap.String("report_date", date))
	logger.Info("getting journals", zap.Int("pending_dates", len(run.Cursor.JournalDates)))

	lines, err := source.GeneralLedger(ctx, run.Session, run.Org, date)
	if err != nil {
		return false, nil, err
	}
	journals, dropped := SynthesizeJournals(lines, source.TransactionEndpoint, run.Now)
	for _, line := range dropped {
		logger.Warn("dropping journal line with unknown transaction",
			zap.String("transaction_type", line.TransactionType),
			zap.String("transaction_id", line.TransactionID))
	}
	logger.Info("synthesized journals", zap.Int("lines", len(lines)), zap.Int("journals", len(journals)))

	batch := make([]ledger.Item, 0, journalFlushSize)
	for _, journal := range journals {
		encoded, err := json.Marshal(journal)
		if err != nil {
			return false, nil, newEngineError(opJournal, "encode_failed", err)
		}
		batch = append(batch, ledger.NewItemPair(run.Org, JournalEndpoint, journal.ID, encoded)...)
		if len(batch) >= journalFlushSize {
			if err := m.store.PutItems(ctx, batch); err != nil {
				return false, nil, newEngineError(opJournal, "put_items_failed", err)
			}
			batch = batch[:0]
		}
	}
	if err := m.store.PutItems(ctx, batch); err != nil {
		return false, nil, newEngineError(opJournal, "put_items_failed", err)
	}

	run.Cursor.PopJournalDate()
	return false, Payload{}, nil
}

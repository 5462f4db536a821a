package qbo

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
)

const (
	glColumnDate        = 0
	glColumnTransaction = 1
	glColumnDescription = 4
	glColumnAmount      = 6
)

type account struct {
	id   string
	name string
}

// ParseGeneralLedger flattens a General Ledger report into postings. Each posting inherits
// the account of the nearest enclosing section header.
func ParseGeneralLedger(body []byte) ([]syncengine.LedgerLine, error) {
	var report any
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("qbo: decode general ledger: %w", err)
	}
	var lines []syncengine.LedgerLine
	collectLines(report, account{}, &lines)
	return lines, nil
}

func collectLines(section any, owner account, lines *[]syncengine.LedgerLine) {
	switch typed := section.(type) {
	case []any:
		for _, subsection := range typed {
			collectLines(subsection, owner, lines)
		}
	case map[string]any:
		if columns, ok := colData(typed); ok {
			if line, isPosting := postingLine(columns, owner); isPosting {
				*lines = append(*lines, line)
				return
			}
		}
		if header, ok := typed["Header"].(map[string]any); ok {
			if columns, ok := colData(header); ok && len(columns) > 0 {
				owner = account{id: columns[0]["id"], name: columns[0]["value"]}
			}
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			collectLines(typed[key], owner, lines)
		}
	}
}

func postingLine(columns []map[string]string, owner account) (syncengine.LedgerLine, bool) {
	if len(columns) <= glColumnTransaction {
		return syncengine.LedgerLine{}, false
	}
	transactionID, ok := columns[glColumnTransaction]["id"]
	if !ok {
		return syncengine.LedgerLine{}, false
	}
	line := syncengine.LedgerLine{
		TransactionType: columns[glColumnTransaction]["value"],
		TransactionID:   transactionID,
		Date:            columns[glColumnDate]["value"],
		AccountID:       owner.id,
		AccountName:     owner.name,
	}
	if len(columns) > glColumnDescription {
		line.Description = columns[glColumnDescription]["value"]
	}
	if len(columns) > glColumnAmount {
		line.Amount = columns[glColumnAmount]["value"]
	}
	return line, true
}

// colData reads a ColData array as a list of string maps. Non-string values are ignored.
func colData(section map[string]any) ([]map[string]string, bool) {
	raw, ok := section["ColData"].([]any)
	if !ok {
		return nil, false
	}
	columns := make([]map[string]string, 0, len(raw))
	for _, entry := range raw {
		column := map[string]string{}
		if fields, ok := entry.(map[string]any); ok {
			for key, value := range fields {
				if text, ok := value.(string); ok {
					column[key] = text
				}
			}
		}
		columns = append(columns, column)
	}
	return columns, true
}

type trialBalanceReport struct {
	Rows struct {
		Row []struct {
			ColData []struct {
				ID    string `json:"id"`
				Value string `json:"value"`
			} `json:"ColData"`
		} `json:"Row"`
	} `json:"Rows"`
}

// ParseTrialBalance returns one row per account line of a Trial Balance report. Summary rows are skipped.
func ParseTrialBalance(body []byte) ([]syncengine.BalanceRow, error) {
	var report trialBalanceReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("qbo: decode trial balance: %w", err)
	}
	rows := make([]syncengine.BalanceRow, 0, len(report.Rows.Row))
	for _, row := range report.Rows.Row {
		if len(row.ColData) == 0 {
			continue
		}
		balance := syncengine.BalanceRow{
			AccountID:   row.ColData[0].ID,
			AccountName: row.ColData[0].Value,
		}
		if len(row.ColData) > 1 {
			balance.Debit = row.ColData[1].Value
		}
		if len(row.ColData) > 2 {
			balance.Credit = row.ColData[2].Value
		}
		rows = append(rows, balance)
	}
	return rows, nil
}

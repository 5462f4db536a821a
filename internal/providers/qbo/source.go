package qbo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
)

const (
	defaultPageSize     = 100
	defaultMinorVersion = "4"
	reportMinorVersion  = "3"
	probeTimeout        = 10 * time.Second
	balanceReportOrigin = "1970-01-01"
)

var errNoCompanyName = errors.New("qbo: company info has no company name")

type Config struct {
	BaseURL      string
	MinorVersion string
	PageSize     int
}

// Source implements the list, lookup and report contracts of the sync engine for QuickBooks Online.
type Source struct {
	baseURL      string
	minorVersion string
	pageSize     int
	endpoints    []syncengine.Endpoint
}

func New(cfg Config) *Source {
	minorVersion := strings.TrimSpace(cfg.MinorVersion)
	if minorVersion == "" {
		minorVersion = defaultMinorVersion
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Source{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		minorVersion: minorVersion,
		pageSize:     pageSize,
		endpoints:    endpointCatalog(),
	}
}

// Catalog wires every stage of a QuickBooks Online cycle.
func (s *Source) Catalog() syncengine.Catalog {
	return syncengine.Catalog{
		Provider: ledger.ProviderQBO,
		Stages: []syncengine.StageKind{
			syncengine.StageListAPI,
			syncengine.StageMissingItems,
			syncengine.StageJournalReport,
			syncengine.StageAccountBalance,
		},
		List:    s,
		Lookup:  s,
		Reports: s,
	}
}

func (s *Source) Endpoints() []syncengine.Endpoint {
	return s.endpoints
}

// ListQuery renders the updated-since query for one page of an endpoint.
func (s *Source) ListQuery(endpoint syncengine.Endpoint, marker string, offset int) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "select * from %s where MetaData.LastUpdatedTime > '%s' ", endpoint.Name, marker)
	if activeFlagEndpoints[endpoint.Name] {
		builder.WriteString("and Active in (true, false) ")
	}
	fmt.Fprintf(&builder, "order by MetaData.LastUpdatedTime asc startposition %d maxresults %d", offset+1, s.pageSize)
	return builder.String()
}

func (s *Source) queryURL(org ledger.Org, query string) string {
	values := url.Values{}
	values.Set("minorversion", s.minorVersion)
	values.Set("query", query)
	return fmt.Sprintf("%s/company/%s/query?%s", s.baseURL, url.PathEscape(org.EntityID), values.Encode())
}

func (s *Source) FetchPage(ctx context.Context, session apisession.Session, org ledger.Org, request syncengine.PageRequest) (syncengine.Page, error) {
	requestURL := s.queryURL(org, s.ListQuery(request.Endpoint, request.Marker, request.Offset))
	raws, err := s.query(ctx, session, requestURL, request.Endpoint.Name)
	if err != nil {
		return syncengine.Page{}, err
	}
	records, err := decodeRecords(raws)
	if err != nil {
		return syncengine.Page{}, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Err: err}
	}
	return syncengine.Page{Records: records, More: len(records) == s.pageSize}, nil
}

func (s *Source) RecordVersion(raw []byte) string {
	var decoded recordFields
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}
	return decoded.MetaData.LastUpdatedTime
}

func (s *Source) AddressableByID(endpoint string) bool {
	return !singletonEndpoints[endpoint]
}

func (s *Source) Lookupable(endpoint string) bool {
	return endpoint != syncengine.JournalEndpoint && endpoint != syncengine.AccountBalanceEndpoint
}

func (s *Source) Lookup(ctx context.Context, session apisession.Session, org ledger.Org, ref ledger.MissingItemRef) (syncengine.Record, bool, error) {
	query := fmt.Sprintf("select * from %s", ref.Type)
	if s.AddressableByID(ref.Type) && ref.ID != "" {
		query = fmt.Sprintf("select * from %s where Id = '%s'", ref.Type, strings.ReplaceAll(ref.ID, "'", `\'`))
	}
	requestURL := s.queryURL(org, query)
	raws, err := s.query(ctx, session, requestURL, ref.Type)
	if err != nil {
		return syncengine.Record{}, false, err
	}
	if len(raws) == 0 {
		return syncengine.Record{}, false, nil
	}
	records, err := decodeRecords(raws[:1])
	if err != nil {
		return syncengine.Record{}, false, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Err: err}
	}
	return records[0], true, nil
}

func (s *Source) GeneralLedger(ctx context.Context, session apisession.Session, org ledger.Org, date string) ([]syncengine.LedgerLine, error) {
	requestURL := s.reportURL(org, "GeneralLedger", date, date)
	body, err := s.get(ctx, session, requestURL, 0)
	if err != nil {
		return nil, err
	}
	lines, err := ParseGeneralLedger(body)
	if err != nil {
		return nil, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Err: err}
	}
	return lines, nil
}

func (s *Source) TrialBalance(ctx context.Context, session apisession.Session, org ledger.Org, date string) ([]syncengine.BalanceRow, error) {
	requestURL := s.reportURL(org, "TrialBalance", balanceReportOrigin, date)
	body, err := s.get(ctx, session, requestURL, 0)
	if err != nil {
		return nil, err
	}
	rows, err := ParseTrialBalance(body)
	if err != nil {
		return nil, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Err: err}
	}
	return rows, nil
}

func (s *Source) TransactionEndpoint(transactionType string) (string, bool) {
	endpoint, ok := journalTransactionEndpoints[transactionType]
	return endpoint, ok
}

// Probe verifies API access by reading the company name.
func (s *Source) Probe(ctx context.Context, session apisession.Session, org ledger.Org) error {
	values := url.Values{}
	values.Set("minorversion", s.minorVersion)
	entity := url.PathEscape(org.EntityID)
	requestURL := fmt.Sprintf("%s/company/%s/companyinfo/%s?%s", s.baseURL, entity, entity, values.Encode())
	body, err := s.get(ctx, session, requestURL, probeTimeout)
	if err != nil {
		return err
	}
	var decoded struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("qbo: decode company info: %w", err)
	}
	if decoded.CompanyInfo.CompanyName == "" {
		return errNoCompanyName
	}
	return nil
}

func (s *Source) reportURL(org ledger.Org, report, startDate, endDate string) string {
	values := url.Values{}
	values.Set("minorversion", reportMinorVersion)
	values.Set("start_date", startDate)
	values.Set("end_date", endDate)
	return fmt.Sprintf("%s/company/%s/reports/%s?%s", s.baseURL, url.PathEscape(org.EntityID), report, values.Encode())
}

func (s *Source) get(ctx context.Context, session apisession.Session, requestURL string, timeout time.Duration) ([]byte, error) {
	request := apisession.Get(requestURL)
	request.Timeout = timeout
	body, err := session.Do(ctx, request)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Fault json.RawMessage `json:"Fault"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Err: err}
	}
	if len(envelope.Fault) > 0 && string(envelope.Fault) != "null" {
		return nil, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Body: string(envelope.Fault), Err: errors.New("qbo: api fault")}
	}
	return body, nil
}

func (s *Source) query(ctx context.Context, session apisession.Session, requestURL, endpoint string) ([]json.RawMessage, error) {
	body, err := s.get(ctx, session, requestURL, 0)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Err: err}
	}
	payload, ok := envelope.QueryResponse[endpoint]
	if !ok {
		return nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, &apisession.Error{Kind: apisession.KindOther, URL: requestURL, Err: err}
	}
	return raws, nil
}

type recordFields struct {
	ID       string `json:"Id"`
	TxnDate  string `json:"TxnDate"`
	Country  string `json:"Country"`
	MetaData struct {
		LastUpdatedTime string `json:"LastUpdatedTime"`
	} `json:"MetaData"`
}

func decodeRecords(raws []json.RawMessage) ([]syncengine.Record, error) {
	records := make([]syncengine.Record, 0, len(raws))
	for _, raw := range raws {
		var fields recordFields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("qbo: decode record: %w", err)
		}
		records = append(records, syncengine.Record{
			ID:        fields.ID,
			UpdatedAt: fields.MetaData.LastUpdatedTime,
			TxnDate:   fields.TxnDate,
			Country:   fields.Country,
			Raw:       raw,
		})
	}
	return records, nil
}

var (
	_ syncengine.ListSource   = (*Source)(nil)
	_ syncengine.LookupSource = (*Source)(nil)
	_ syncengine.ReportSource = (*Source)(nil)
)

// Package zuora is the Zuora catalog of list endpoints.
package zuora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/syncengine"
)

var errProbeRejected = errors.New("zuora: accounting codes probe did not succeed")

// queryFields lists the columns selected per object. ZOQL has no select-all.
var queryFields = map[string][]string{
	"Invoice": {
		"AccountId", "AdjustmentAmount", "Amount", "AmountWithoutTax", "Balance", "Comments",
		"CreatedById", "CreatedDate", "CreditBalanceAdjustmentAmount", "DueDate", "Id", "IncludesOneTime",
		"IncludesUsage", "InvoiceDate", "InvoiceNumber", "LastEmailSentDate", "PaymentAmount", "PostedBy",
		"PostedDate", "RefundAmount", "Status", "TargetDate", "TaxAmount", "TaxExemptAmount", "TransferredToAccounting",
		"UpdatedById", "UpdatedDate",
	},
	"InvoiceItem": {
		"AccountingCode", "ChargeAmount", "ChargeDate", "ChargeName", "CreatedById", "CreatedDate",
		"Id", "InvoiceId", "ProcessingType", "ProductDescription", "ProductName", "Quantity",
		"RatePlanChargeId", "RevRecStartDate", "ServiceEndDate", "ServiceStartDate", "SKU",
		"SubscriptionId", "TaxAmount", "TaxCode", "TaxExemptAmount", "TaxMode", "UnitPrice", "UOM",
		"UpdatedById", "UpdatedDate",
	},
	"Product": {
		"AllowFeatureChanges", "Category", "CreatedById", "CreatedDate", "Description", "EffectiveEndDate",
		"EffectiveStartDate", "Id", "Name", "SKU", "UpdatedById", "UpdatedDate",
	},
}

var listEndpoints = []string{"Invoice", "InvoiceItem", "Product"}

type Config struct {
	BaseURL string
}

// Source pages Zuora objects through the query and queryMore actions.
type Source struct {
	baseURL   string
	endpoints []syncengine.Endpoint
}

func New(cfg Config) *Source {
	endpoints := make([]syncengine.Endpoint, 0, len(listEndpoints))
	for _, name := range listEndpoints {
		endpoints = append(endpoints, syncengine.Endpoint{Name: name, Paginated: true})
	}
	return &Source{baseURL: strings.TrimRight(cfg.BaseURL, "/"), endpoints: endpoints}
}

func (s *Source) Catalog() syncengine.Catalog {
	return syncengine.Catalog{
		Provider: ledger.ProviderZuora,
		Stages:   []syncengine.StageKind{syncengine.StageListAPI},
		List:     s,
	}
}

func (s *Source) Endpoints() []syncengine.Endpoint {
	return s.endpoints
}

// Query renders the updated-since ZOQL statement of an object.
func (s *Source) Query(endpoint, marker string) string {
	return fmt.Sprintf("select %s from %s where UpdatedDate > '%s'", strings.Join(queryFields[endpoint], ","), endpoint, marker)
}

type queryResponse struct {
	Records      []json.RawMessage `json:"records"`
	QueryLocator string            `json:"queryLocator"`
	Done         bool              `json:"done"`
}

type recordFields struct {
	ID          string `json:"Id"`
	UpdatedDate string `json:"UpdatedDate"`
}

func (s *Source) FetchPage(ctx context.Context, session apisession.Session, org ledger.Org, request syncengine.PageRequest) (syncengine.Page, error) {
	var (
		call apisession.Request
		err  error
	)
	if request.PageCursor != "" {
		call, err = apisession.PostJSON(s.baseURL+"/action/queryMore", map[string]string{"queryLocator": request.PageCursor})
	} else {
		call, err = apisession.PostJSON(s.baseURL+"/action/query", map[string]string{"queryString": s.Query(request.Endpoint.Name, request.Marker)})
	}
	if err != nil {
		return syncengine.Page{}, err
	}
	body, err := session.Do(ctx, call)
	if err != nil {
		return syncengine.Page{}, err
	}

	var response queryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return syncengine.Page{}, &apisession.Error{Kind: apisession.KindOther, URL: call.URL, Err: err}
	}
	records := make([]syncengine.Record, 0, len(response.Records))
	for _, raw := range response.Records {
		var fields recordFields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return syncengine.Page{}, &apisession.Error{Kind: apisession.KindOther, URL: call.URL, Err: err}
		}
		records = append(records, syncengine.Record{ID: fields.ID, UpdatedAt: fields.UpdatedDate, Raw: raw})
	}
	return syncengine.Page{
		Records:    records,
		More:       response.QueryLocator != "",
		NextCursor: response.QueryLocator,
	}, nil
}

func (s *Source) RecordVersion(raw []byte) string {
	var fields recordFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	return fields.UpdatedDate
}

// Probe verifies the session by listing accounting codes.
func (s *Source) Probe(ctx context.Context, session apisession.Session, org ledger.Org) error {
	body, err := session.Do(ctx, apisession.Get(s.baseURL+"/accounting-codes"))
	if err != nil {
		return err
	}
	var decoded struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("zuora: decode accounting codes: %w", err)
	}
	if !decoded.Success {
		return errProbeRejected
	}
	return nil
}

var _ syncengine.ListSource = (*Source)(nil)

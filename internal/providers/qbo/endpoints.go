// Package qbo is the QuickBooks Online catalog of endpoints, queries and reports.
package qbo

import "github.com/MarcoPoloResearchLab/glsync/internal/syncengine"

const (
	endpointCompanyInfo = "CompanyInfo"
	endpointPreferences = "Preferences"
)

// listEndpoints is the order the list stage walks every cycle.
var listEndpoints = []string{
	endpointCompanyInfo, endpointPreferences, "Account", "Customer", "Vendor", "Employee", "TaxRate", "TaxCode",
	"Invoice", "Item", "Deposit", "CompanyCurrency", "Payment", "Bill", "BillPayment", "VendorCredit", "CreditMemo",
}

var singletonEndpoints = map[string]bool{
	endpointCompanyInfo: true,
	endpointPreferences: true,
}

var transactionalEndpoints = map[string]bool{
	"Invoice":      true,
	"Deposit":      true,
	"Payment":      true,
	"Bill":         true,
	"BillPayment":  true,
	"VendorCredit": true,
	"CreditMemo":   true,
}

var activeFlagEndpoints = map[string]bool{
	"Account":         true,
	"Customer":        true,
	"Vendor":          true,
	"Employee":        true,
	"TaxRate":         true,
	"TaxCode":         true,
	"Item":            true,
	"CompanyCurrency": true,
}

// journalTransactionEndpoints maps General Ledger transaction types to the endpoint owning the transaction.
// Several targets are not exposed by the public API and only name the journal.
var journalTransactionEndpoints = map[string]string{
	"Invoice":                          "Invoice",
	"Payment":                          "Payment",
	"Adjustment Note":                  "CreditMemo",
	"Credit Memo":                      "CreditMemo",
	"Bill":                             "Bill",
	"Bill Payment (Check)":             "BillPayment",
	"Bill Payment (Cheque)":            "BillPayment",
	"Bill Payment (Credit Card)":       "BillPayment",
	"Supplier Credit":                  "VendorCredit",
	"Vendor Credit":                    "VendorCredit",
	"Journal Entry":                    "JournalEntry",
	"Receive Payment":                  "SalesReceipt",
	"Advance Payment":                  "SalesReceipt",
	"Sales Receipt":                    "SalesReceipt",
	"Credit Refund":                    "RefundReceipt",
	"Refund":                           "RefundReceipt",
	"Cash Expense":                     "Purchase",
	"Cheque Expense":                   "Purchase",
	"Check":                            "Purchase",
	"Expense":                          "Purchase",
	"Credit Card Charge":               "Purchase",
	"Credit Card Credit":               "Purchase",
	"Cash Purchase":                    "Purchase",
	"Credit Purchase":                  "Purchase",
	"Purchase Order":                   "PurchaseOrder",
	"Estimate":                         "Estimate",
	"Deposit":                          "Deposit",
	"Transfer":                         "Transfer",
	"Time Activity":                    "TimeActivity",
	"Inventory Desktop Starting Value": "InventoryDesktopStartingValue",
	"Inventory Starting Value":         "InventoryStartingValue",
	"Inventory Qty Adjust":             "InventoryQtyAdjust",
	"Tax Payment":                      "TaxPayment",
	"Billable Charge":                  "BillableCharge",
	"Credit":                           "Credit",
	"Charge":                           "Charge",
	"GST Payment":                      "GSTPayment",
	"Statement":                        "Statement",
	"Payroll Check":                    "PayrollCheck",
	"Payroll Adjustment":               "PayrollAdjustment",
	"Payroll Refund":                   "PayrollRefund",
	"Global Tax Payment":               "GlobalTaxPayment",
	"Global Tax Adjustment":            "GlobalTaxAdjustment",
	"Job":                              "Job",
	"Service Tax Partial Utilisation":  "ServiceTaxPartialUtilisation",
	"Service Tax Defer":                "ServiceTaxDefer",
	"Service Tax Reversal":             "ServiceTaxReversal",
	"Service Tax Refund":               "ServiceTaxRefund",
	"Service Tax Gross Adjustment":     "ServiceTaxGrossAdjustment",
	"Reverse Charge":                   "ReverseCharge",
}

func endpointCatalog() []syncengine.Endpoint {
	endpoints := make([]syncengine.Endpoint, 0, len(listEndpoints))
	for _, name := range listEndpoints {
		endpoints = append(endpoints, syncengine.Endpoint{
			Name:                 name,
			Paginated:            !singletonEndpoints[name],
			Transactional:        transactionalEndpoints[name],
			IgnoresUpdatedFilter: name == endpointCompanyInfo,
			CapturesCountry:      name == endpointCompanyInfo,
		})
	}
	return endpoints
}

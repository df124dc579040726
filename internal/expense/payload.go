package expense

import (
	"time"

	"recurflow/internal/domain"
)

// DateLayout matches what the expense API accepts for Payload.Date.
const DateLayout = "2006-01-02T15:04:05.000Z07:00"

// Payload is the exact body the expense API accepts for creation. Only the
// fields declared here are ever sent.
type Payload struct {
	Date             string          `json:"date"`
	Merchant         domain.Merchant `json:"merchant"`
	MerchantAmount   float64         `json:"merchantAmount"`
	MerchantCurrency string          `json:"merchantCurrency"`
	Policy           string          `json:"policy"`
	Details          Details         `json:"details"`
	ReportingData    ReportingData   `json:"reportingData"`
}

type Details struct {
	CustomFieldValues      []domain.CustomFieldValue `json:"customFieldValues"`
	Description            string                    `json:"description"`
	Participants           []domain.Participant      `json:"participants"`
	Personal               bool                      `json:"personal"`
	PersonalMerchantAmount *float64                  `json:"personalMerchantAmount,omitempty"`
	TaxDetails             TaxDetails                `json:"taxDetails"`
}

type TaxDetails struct {
	Address          string    `json:"address,omitempty"`
	Country          string    `json:"country"`
	GrossAmount      *float64  `json:"grossAmount,omitempty"`
	NetAmount        *float64  `json:"netAmount,omitempty"`
	NoTax            bool      `json:"noTax"`
	ReverseCharge    bool      `json:"reverseCharge"`
	SyncedFromLedger bool      `json:"syncedFromLedger"`
	Tax              *float64  `json:"tax,omitempty"`
	TaxLines         []TaxLine `json:"taxLines"`
	TaxRateDecimal   bool      `json:"taxRateDecimal"`
	VATNumber        string    `json:"vatNumber,omitempty"`
}

type TaxLine struct {
	Rate   float64 `json:"rate"`
	Amount float64 `json:"amount"`
}

type ReportingData struct {
	BillTo     string `json:"billTo,omitempty"`
	Department string `json:"department,omitempty"`
	Region     string `json:"region,omitempty"`
	Subsidiary string `json:"subsidiary,omitempty"`
}

// FromTemplate builds a creation payload dated now. Ledger-derived tax
// amounts are never copied; the API recomputes them.
func FromTemplate(d domain.ExpenseData, now time.Time) Payload {
	participants := d.Details.Participants
	if participants == nil {
		participants = []domain.Participant{}
	}
	custom := d.Details.CustomFieldValues
	if custom == nil {
		custom = []domain.CustomFieldValue{}
	}
	tax := d.Details.TaxDetails
	return Payload{
		Date:             now.UTC().Format(DateLayout),
		Merchant:         d.Merchant,
		MerchantAmount:   d.MerchantAmount,
		MerchantCurrency: d.MerchantCurrency,
		Policy:           d.Policy,
		Details: Details{
			CustomFieldValues:      custom,
			Description:            d.Details.Description,
			Participants:           participants,
			Personal:               d.Details.Personal,
			PersonalMerchantAmount: d.Details.PersonalMerchantAmount,
			TaxDetails: TaxDetails{
				Address:        tax.Address,
				Country:        tax.Country,
				NoTax:          tax.NoTax,
				ReverseCharge:  tax.ReverseCharge,
				TaxLines:       []TaxLine{},
				TaxRateDecimal: tax.TaxRateDecimal,
				VATNumber:      tax.VATNumber,
			},
		},
		ReportingData: ReportingData{
			BillTo:     d.ReportingData.BillTo,
			Department: d.ReportingData.Department,
			Region:     d.ReportingData.Region,
			Subsidiary: d.ReportingData.Subsidiary,
		},
	}
}

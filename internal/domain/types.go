package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotEnabled      = errors.New("scheduling not enabled")
	ErrNoNextExecution = errors.New("could not calculate next execution time")
)

type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
	IntervalCustom  Interval = "custom"
)

// LastDayOfMonth is the DayOfMonth sentinel for "last calendar day".
const LastDayOfMonth = -1

type ExecutionTime struct {
	Hour     int    `json:"hour"`
	Minute   int    `json:"minute"`
	TimeZone string `json:"timeZone"`
}

type IntervalConfig struct {
	DaysOfWeek []string `json:"daysOfWeek,omitempty"`
	// DayOfMonth is 1-31 or LastDayOfMonth; 0 means unset.
	DayOfMonth       int   `json:"dayOfMonth,omitempty"`
	CustomIntervalMs int64 `json:"customIntervalMs,omitempty"`
}

type RecurrenceRule struct {
	Enabled        bool           `json:"enabled"`
	Interval       Interval       `json:"interval"`
	IntervalConfig IntervalConfig `json:"intervalConfig"`
	ExecutionTime  ExecutionTime  `json:"executionTime"`
	StartDate      *time.Time     `json:"startDate,omitempty"`
	EndDate        *time.Time     `json:"endDate,omitempty"`
	NextExecution  *time.Time     `json:"nextExecution,omitempty"`
	Paused         bool           `json:"paused"`
	PausedAt       *time.Time     `json:"pausedAt,omitempty"`
	PauseReason    string         `json:"pauseReason,omitempty"`
}

type Merchant struct {
	Category         string `json:"category"`
	CategoryGroup    string `json:"categoryGroup"`
	Description      string `json:"description"`
	FormattedAddress string `json:"formattedAddress"`
	Logo             string `json:"logo,omitempty"`
	Name             string `json:"name"`
	Online           bool   `json:"online"`
	PerDiem          bool   `json:"perDiem"`
	TimeZone         string `json:"timeZone"`
}

type Participant struct {
	UUID        string `json:"uuid"`
	Email       string `json:"email"`
	GivenName   string `json:"givenName"`
	FamilyName  string `json:"familyName"`
	FullName    string `json:"fullName"`
	PictureHash string `json:"pictureHash,omitempty"`
}

type CustomFieldValue struct {
	FieldID string `json:"fieldId"`
	Value   any    `json:"value"`
}

type TaxDetails struct {
	Country        string `json:"country"`
	NoTax          bool   `json:"noTax"`
	ReverseCharge  bool   `json:"reverseCharge"`
	TaxRateDecimal bool   `json:"taxRateDecimal"`
	VATNumber      string `json:"vatNumber,omitempty"`
	Address        string `json:"address,omitempty"`
}

type ExpenseDetails struct {
	Description            string             `json:"description"`
	Personal               bool               `json:"personal"`
	PersonalMerchantAmount *float64           `json:"personalMerchantAmount,omitempty"`
	Participants           []Participant      `json:"participants"`
	CustomFieldValues      []CustomFieldValue `json:"customFieldValues"`
	TaxDetails             TaxDetails         `json:"taxDetails"`
}

type ReportingData struct {
	BillTo     string `json:"billTo,omitempty"`
	Department string `json:"department,omitempty"`
	Region     string `json:"region,omitempty"`
	Subsidiary string `json:"subsidiary,omitempty"`
}

type ExpenseData struct {
	MerchantAmount   float64        `json:"merchantAmount"`
	MerchantCurrency string         `json:"merchantCurrency"`
	Policy           string         `json:"policy"`
	Merchant         Merchant       `json:"merchant"`
	Details          ExpenseDetails `json:"details"`
	ReportingData    ReportingData  `json:"reportingData"`
}

type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSkipped ExecutionStatus = "skipped"
	ExecutionRetry   ExecutionStatus = "retry"
)

type ExecutionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// ExecutionRecord is one entry of a template's execution history.
type ExecutionRecord struct {
	ID          string          `json:"id"`
	TemplateID  string          `json:"templateId"`
	ScheduledAt time.Time       `json:"scheduledAt"`
	ExecutedAt  time.Time       `json:"executedAt"`
	Status      ExecutionStatus `json:"status"`
	ExpenseID   string          `json:"expenseId,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	RetryCount  int             `json:"retryCount"`
	Duration    time.Duration   `json:"duration"`
}

type TemplateMetadata struct {
	CreatedFrom       string     `json:"createdFrom,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	LastUsed          *time.Time `json:"lastUsed,omitempty"`
	UseCount          int        `json:"useCount"`
	ScheduledUseCount int        `json:"scheduledUseCount"`
}

type Template struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	ExpenseData      ExpenseData       `json:"expenseData"`
	Scheduling       *RecurrenceRule   `json:"scheduling,omitempty"`
	ExecutionHistory []ExecutionRecord `json:"executionHistory"`
	Metadata         TemplateMetadata  `json:"metadata"`
}

// SchedulingEnabled reports whether the template has an enabled rule, paused or not.
func (t Template) SchedulingEnabled() bool {
	return t.Scheduling != nil && t.Scheduling.Enabled
}

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueuedExecution is one scheduled attempt to run a template.
type QueuedExecution struct {
	ID          string      `json:"id"`
	TemplateID  string      `json:"templateId"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	RetryCount  int         `json:"retryCount"`
	NextRetry   *time.Time  `json:"nextRetry,omitempty"`
	Status      QueueStatus `json:"status"`
}

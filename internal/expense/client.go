package expense

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Creator creates an expense and returns its id.
type Creator interface {
	CreateExpense(ctx context.Context, p Payload) (Created, error)
}

type Created struct {
	ID string `json:"id"`
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// APIError is a non-2xx response from the expense API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("API Error %d: %s", e.Status, e.Message) }

type Client struct {
	baseURL  string
	timezone string
	tokens   TokenSource
	http     *http.Client
}

func NewClient(baseURL, timezone string, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		timezone: timezone,
		tokens:   tokens,
		http:     &http.Client{Timeout: timeout},
	}
}

// CreateExpense posts a draft expense and then finalizes it.
func (c *Client) CreateExpense(ctx context.Context, p Payload) (Created, error) {
	if p.MerchantAmount <= 0 || p.MerchantCurrency == "" || p.Date == "" || p.Merchant.Name == "" {
		return Created{}, errors.New("invalid expense: merchantAmount, merchantCurrency, date and merchant.name are required")
	}

	var draft struct {
		UUID string `json:"uuid"`
		ID   string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/expenses/manual", p, &draft); err != nil {
		return Created{}, err
	}
	id := draft.UUID
	if id == "" {
		id = draft.ID
	}
	if id == "" {
		return Created{}, errors.New("no expense ID returned from draft creation")
	}

	if err := c.do(ctx, http.MethodPatch, c.baseURL+"/expenses/"+id, p, nil); err != nil {
		return Created{}, fmt.Errorf("finalize expense %s: %w", id, err)
	}
	log.Info().Str("expense_id", id).Msg("expense created")
	return Created{ID: id}, nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")
	if c.timezone != "" {
		req.Header.Set("X-Timezone", c.timezone)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("network request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("network request failed: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(status int, body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Unknown error"
}

/**
 * @description
 * This package provides a client for the remittance partner's API. It
 * encapsulates authenticated HTTP requests for beneficiary/remitter
 * search/create/update and the two-phase transaction flow (create a session,
 * then confirm it).
 *
 * The partner sometimes encodes duplicates and other business conditions as
 * a success-shaped payload with an error code rather than an HTTP error, so
 * every response body is inspected and mapped to a tagged result at this
 * boundary; business logic never sees raw payloads.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package remitclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Partner payload codes that require inspection rather than status-code branching.
const (
	codeOK                   = "OK"
	codeDuplicateBeneficiary = "DUPLICATE_BENEFICIARY"
	codeDuplicateRemitter    = "DUPLICATE_REMITTER"
	codeDuplicateTransaction = "DUPLICATE_TRANSACTION"
)

// Client is a client for the remittance partner API.
type Client struct {
	BaseURL    string
	APIKey     string
	AgentCode  string
	HTTPClient *http.Client
}

// NewClient creates a new remittance partner API client.
func NewClient(baseURL, apiKey, agentCode string) *Client {
	return &Client{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		AgentCode: agentCode,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Identity is one beneficiary or remitter record as the partner stores it.
type Identity struct {
	ID            string `json:"id"`
	FullName      string `json:"full_name"`
	Phone         string `json:"phone"`
	Country       string `json:"country"`
	AccountNumber string `json:"account_number,omitempty"`
}

// IdentityParams carries the attributes used for search, create, and update.
type IdentityParams struct {
	OwnerRef      string `json:"owner_ref"` // our stable id for the owning customer
	FullName      string `json:"full_name"`
	Phone         string `json:"phone"`
	Country       string `json:"country"`
	City          string `json:"city,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	AddressLine   string `json:"address_line,omitempty"`
	AccountNumber string `json:"account_number,omitempty"` // beneficiaries only
}

// TransactionParams describes one remittance submission.
type TransactionParams struct {
	RemitterID    string `json:"remitter_id"`
	BeneficiaryID string `json:"beneficiary_id"`
	Amount        int64  `json:"amount"` // in cents of the source currency
	Reference     string `json:"reference"`
}

// TransactionSession is the result of phase one (create).
type TransactionSession struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// TransactionReceipt is the result of phase two (confirm) or a status query.
type TransactionReceipt struct {
	SessionID       string `json:"session_id"`
	ReferenceNumber string `json:"reference_number"`
	Status          string `json:"status"`
}

// DuplicateError reports that the partner already holds an equivalent record.
// The existing id is recovered from the structured payload so callers can
// adopt it instead of failing.
type DuplicateError struct {
	ExistingID string
	Code       string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("partner reports duplicate (%s): existing id %s", e.Code, e.ExistingID)
}

// APIError is any other partner-reported failure.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("partner api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// envelope is the partner's response wrapper. Code must be inspected even on
// HTTP 200: duplicates arrive as success-shaped payloads.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// duplicatePayload is the Data shape accompanying duplicate codes.
type duplicatePayload struct {
	ExistingID string `json:"existing_id"`
}

// SearchBeneficiaries looks beneficiaries up by the stable attribute set.
func (c *Client) SearchBeneficiaries(ctx context.Context, params IdentityParams) ([]Identity, error) {
	var matches []Identity
	if err := c.do(ctx, http.MethodPost, "/v2/beneficiaries/search", params, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// CreateBeneficiary registers a beneficiary with the partner. A duplicate is
// returned as *DuplicateError carrying the existing partner id.
func (c *Client) CreateBeneficiary(ctx context.Context, params IdentityParams) (string, error) {
	return c.createIdentity(ctx, "/v2/beneficiaries", params)
}

// UpdateBeneficiary refreshes a known beneficiary with the latest details.
func (c *Client) UpdateBeneficiary(ctx context.Context, partnerID string, params IdentityParams) error {
	return c.do(ctx, http.MethodPut, "/v2/beneficiaries/"+partnerID, params, nil)
}

// SearchRemitters looks remitters up by the stable attribute set.
func (c *Client) SearchRemitters(ctx context.Context, params IdentityParams) ([]Identity, error) {
	var matches []Identity
	if err := c.do(ctx, http.MethodPost, "/v2/remitters/search", params, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// CreateRemitter registers a remitter with the partner.
func (c *Client) CreateRemitter(ctx context.Context, params IdentityParams) (string, error) {
	return c.createIdentity(ctx, "/v2/remitters", params)
}

// UpdateRemitter refreshes a known remitter with the latest details.
func (c *Client) UpdateRemitter(ctx context.Context, partnerID string, params IdentityParams) error {
	return c.do(ctx, http.MethodPut, "/v2/remitters/"+partnerID, params, nil)
}

// CreateTransaction opens a remittance session (phase one of two).
func (c *Client) CreateTransaction(ctx context.Context, params TransactionParams) (*TransactionSession, error) {
	var session TransactionSession
	if err := c.do(ctx, http.MethodPost, "/v2/transactions", params, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ConfirmTransaction commits a previously created session (phase two).
func (c *Client) ConfirmTransaction(ctx context.Context, sessionID string) (*TransactionReceipt, error) {
	var receipt TransactionReceipt
	path := "/v2/transactions/" + sessionID + "/confirm"
	if err := c.do(ctx, http.MethodPost, path, nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// TransactionStatus queries the partner-side state of a session. Used by
// operator re-drive tooling for stuck-pending transfers.
func (c *Client) TransactionStatus(ctx context.Context, sessionID string) (*TransactionReceipt, error) {
	var receipt TransactionReceipt
	if err := c.do(ctx, http.MethodGet, "/v2/transactions/"+sessionID, nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// createIdentity posts an identity and maps duplicate payloads to
// *DuplicateError with the existing id extracted.
func (c *Client) createIdentity(ctx context.Context, path string, params IdentityParams) (string, error) {
	var created Identity
	err := c.do(ctx, http.MethodPost, path, params, &created)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// do executes one partner call and unwraps the response envelope. Duplicate
// codes become *DuplicateError regardless of the HTTP status; all other
// non-OK codes become *APIError.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal partner request: %w", err)
		}
		reqBody = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create partner request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-partner-key", c.APIKey)
	req.Header.Set("x-agent-code", c.AgentCode)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute partner request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read partner response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		log.Printf("level=warn component=remit_client op=%s path=%s status=%d msg=\"unparsable response body\"", method, path, resp.StatusCode)
		return fmt.Errorf("failed to decode partner response (status %d)", resp.StatusCode)
	}

	switch env.Code {
	case codeOK:
		// fall through to data decoding below
	case codeDuplicateBeneficiary, codeDuplicateRemitter, codeDuplicateTransaction:
		var dup duplicatePayload
		if err := json.Unmarshal(env.Data, &dup); err != nil || dup.ExistingID == "" {
			return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: "duplicate reported without existing id"}
		}
		return &DuplicateError{ExistingID: dup.ExistingID, Code: env.Code}
	default:
		log.Printf("level=warn component=remit_client op=%s path=%s status=%d code=%q msg=%q", method, path, resp.StatusCode, env.Code, env.Message)
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode partner response data: %w", err)
	}
	return nil
}

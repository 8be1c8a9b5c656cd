// Package registrar wraps the domain registrar's JSON-RPC API: availability
// checks, registration, inbound transfers and nameserver record management.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"
)

// TransferState is the registrar-reported progress of an inbound transfer.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
)

// Availability is the result of a domain availability check.
type Availability struct {
	Domain    string
	Available bool
	Price     float64
	Currency  string
}

// Contact identifies the registrant passed to register/transfer calls.
type Contact struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"cc,omitempty"`
}

// Record is a nameserver record as reported by the registrar.
type Record struct {
	ID      string
	Domain  string
	Type    string
	Name    string
	Content string
	TTL     int
}

// Client talks to the registrar API. It is stateless besides the session
// handle acquired on first use. Record mutations are serialized so concurrent
// provisioning runs cannot race record creation against record listing.
type Client struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
	recordTTL  int

	// recordMu serializes record mutations; sessionMu guards the handle.
	recordMu  sync.Mutex
	sessionMu sync.Mutex
	session   string
}

// New constructs a registrar client. recordTTL applies to records created
// through SetupProjectDNS.
func New(url, user, password string, timeout time.Duration, recordTTL int, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if recordTTL <= 0 {
		recordTTL = 3600
	}
	return &Client{
		url:        strings.TrimRight(url, "/"),
		user:       user,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
		recordTTL:  recordTTL,
		logger:     logger.With("component", "registrar"),
	}
}

type rpcRequest struct {
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	Session string         `json:"session,omitempty"`
}

type rpcResponse struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	ResData json.RawMessage `json:"resData"`
}

// CheckAvailability asks whether the domain can be registered and at what price.
func (c *Client) CheckAvailability(ctx context.Context, domainName string) (*Availability, error) {
	var res struct {
		Domain []struct {
			Domain   string  `json:"domain"`
			Avail    int     `json:"avail"`
			Price    float64 `json:"price"`
			Currency string  `json:"currency"`
		} `json:"domain"`
	}
	if err := c.call(ctx, "domain.check", map[string]any{"domain": domainName}, &res); err != nil {
		return nil, err
	}
	if len(res.Domain) == 0 {
		return nil, &TransientError{Method: "domain.check", Err: fmt.Errorf("empty result for %s", domainName)}
	}
	d := res.Domain[0]
	return &Availability{
		Domain:    domainName,
		Available: d.Avail == 1,
		Price:     d.Price,
		Currency:  d.Currency,
	}, nil
}

// Register registers a new domain. It refuses to call domain.create when the
// availability check reports the name as taken.
func (c *Client) Register(ctx context.Context, domainName string, contact Contact, nameservers []string) (string, error) {
	avail, err := c.CheckAvailability(ctx, domainName)
	if err != nil {
		return "", err
	}
	if !avail.Available {
		return "", &UnavailableError{Domain: domainName}
	}

	params := map[string]any{
		"domain":     domainName,
		"registrant": contact,
	}
	if len(nameservers) > 0 {
		params["ns"] = nameservers
	}
	var res struct {
		RoID json.Number `json:"roId"`
	}
	if err := c.call(ctx, "domain.create", params, &res); err != nil {
		return "", err
	}
	c.logger.Info("domain registered", "domain", domainName, "registrar_id", res.RoID.String())
	return res.RoID.String(), nil
}

// InitiateTransfer starts an inbound transfer. Completion is asynchronous and
// must be observed through TransferStatus.
func (c *Client) InitiateTransfer(ctx context.Context, domainName, authCode string, contact Contact) (string, error) {
	params := map[string]any{
		"domain":     domainName,
		"authCode":   authCode,
		"registrant": contact,
	}
	var res struct {
		RoID json.Number `json:"roId"`
	}
	if err := c.call(ctx, "domain.transfer", params, &res); err != nil {
		return "", err
	}
	c.logger.Info("domain transfer initiated", "domain", domainName, "transfer_id", res.RoID.String())
	return res.RoID.String(), nil
}

// TransferStatus reports inbound transfer progress for a domain.
func (c *Client) TransferStatus(ctx context.Context, domainName string) (TransferState, error) {
	var res struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "domain.info", map[string]any{"domain": domainName}, &res); err != nil {
		return "", err
	}
	switch strings.ToUpper(res.Status) {
	case "OK", "ACTIVE", "TRANSFER_SUCCESSFUL":
		return TransferCompleted, nil
	case "TRANSFER_FAILED", "FAILED":
		return TransferFailed, nil
	default:
		return TransferPending, nil
	}
}

// CreateRecord creates one nameserver record and returns its registrar id.
func (c *Client) CreateRecord(ctx context.Context, domainName, recordType, name, content string, ttl int) (string, error) {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()
	params := map[string]any{
		"domain":  domainName,
		"type":    recordType,
		"name":    name,
		"content": content,
		"ttl":     ttl,
	}
	var res struct {
		ID json.Number `json:"id"`
	}
	if err := c.call(ctx, "nameserver.createRecord", params, &res); err != nil {
		return "", err
	}
	return res.ID.String(), nil
}

// UpdateRecord changes content and/or TTL of an existing record. Empty content
// or non-positive TTL leaves the respective field untouched.
func (c *Client) UpdateRecord(ctx context.Context, recordID, content string, ttl int) error {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()

	params := map[string]any{"id": recordID}
	if content != "" {
		params["content"] = content
	}
	if ttl > 0 {
		params["ttl"] = ttl
	}
	return c.call(ctx, "nameserver.updateRecord", params, nil)
}

// DeleteRecord removes a nameserver record.
func (c *Client) DeleteRecord(ctx context.Context, recordID string) error {
	c.recordMu.Lock()
	defer c.recordMu.Unlock()
	return c.call(ctx, "nameserver.deleteRecord", map[string]any{"id": recordID}, nil)
}

// ListRecords returns all nameserver records of a domain.
func (c *Client) ListRecords(ctx context.Context, domainName string) ([]Record, error) {
	var res struct {
		Record []struct {
			ID      json.Number `json:"id"`
			Name    string      `json:"name"`
			Type    string      `json:"type"`
			Content string      `json:"content"`
			TTL     int         `json:"ttl"`
		} `json:"record"`
	}
	if err := c.call(ctx, "nameserver.info", map[string]any{"domain": domainName}, &res); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(res.Record))
	for _, rec := range res.Record {
		records = append(records, Record{
			ID:      rec.ID.String(),
			Domain:  domainName,
			Type:    rec.Type,
			Name:    rec.Name,
			Content: rec.Content,
			TTL:     rec.TTL,
		})
	}
	return records, nil
}

// call performs one JSON-RPC round trip, acquiring a session first and
// re-authenticating once when the session has expired.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}
	err = c.doCall(ctx, method, params, session, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeAuthFailed {
		c.resetSession(session)
		session, err = c.ensureSession(ctx)
		if err != nil {
			return err
		}
		return c.doCall(ctx, method, params, session, out)
	}
	return err
}

func (c *Client) doCall(ctx context.Context, method string, params map[string]any, session string, out any) error {
	payload, err := json.Marshal(rpcRequest{Method: method, Params: params, Session: session})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Method: method, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &TransientError{Method: method, Err: fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &TransientError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}
	if rpcResp.Code != CodeOK {
		return &APIError{Method: method, Code: rpcResp.Code, Msg: rpcResp.Msg}
	}
	if out != nil && len(rpcResp.ResData) > 0 {
		if err := json.Unmarshal(rpcResp.ResData, out); err != nil {
			return &TransientError{Method: method, Err: fmt.Errorf("decode resData: %w", err)}
		}
	}
	return nil
}

// ensureSession logs in lazily and caches the session handle.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.sessionMu.Lock()
	if c.session != "" {
		session := c.session
		c.sessionMu.Unlock()
		return session, nil
	}
	c.sessionMu.Unlock()

	var res struct {
		Session string `json:"session"`
	}
	params := map[string]any{"user": c.user, "pass": c.password}
	if err := c.doCall(ctx, "account.login", params, "", &res); err != nil {
		return "", err
	}

	c.sessionMu.Lock()
	c.session = res.Session
	c.sessionMu.Unlock()
	return res.Session, nil
}

// resetSession drops a session known to be stale, unless a concurrent login
// already replaced it.
func (c *Client) resetSession(stale string) {
	c.sessionMu.Lock()
	if c.session == stale {
		c.session = ""
	}
	c.sessionMu.Unlock()
}

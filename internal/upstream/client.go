// Package upstream is the REST transport to the central server.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/rs/zerolog"
)

const (
	headerCorrelation = "X-Correlation-Key"
	headerOverwrite   = "X-Overwrite"
	maxErrorBody      = 4 << 10
)

// Client talks JSON over HTTP to the upstream server.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *zerolog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = models.DefaultNetworkTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.base
	for _, s := range segments {
		u.Path += "/" + url.PathEscape(s)
	}
	return u.String()
}

// IsAvailable pings the server.
func (c *Client) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("ping"), nil)
	if err != nil {
		return false
	}
	resp, err := c.do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Upstream ping failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 300
}

// Push sends one local change.
func (c *Client) Push(ctx context.Context, push domain.PushRequest) error {
	method, target := c.route(push)
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(push.Payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", contentType(push.UsePatches))
	req.Header.Set(headerCorrelation, push.CorrelationKey)
	if push.Overwrite {
		req.Header.Set(headerOverwrite, "true")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus("push", resp)
}

func (c *Client) route(push domain.PushRequest) (string, string) {
	switch push.Operation {
	case models.OperationInsert:
		return http.MethodPost, c.endpoint(push.ResourceType)
	case models.OperationObsolete:
		return http.MethodDelete, c.endpoint(push.ResourceType, push.ResourceKey)
	default:
		if push.UsePatches {
			return http.MethodPatch, c.endpoint(push.ResourceType, push.ResourceKey)
		}
		return http.MethodPut, c.endpoint(push.ResourceType, push.ResourceKey)
	}
}

func contentType(patch bool) string {
	if patch {
		return "application/merge-patch+json"
	}
	return "application/json"
}

type wireRecord struct {
	ResourceType string          `json:"resource_type"`
	ResourceKey  string          `json:"resource_key"`
	ModifiedOn   time.Time       `json:"modified_on"`
	Payload      json.RawMessage `json:"payload"`
}

type wirePage struct {
	Total   *int         `json:"total"`
	Records []wireRecord `json:"records"`
}

// Pull fetches one page of a subscription.
func (c *Client) Pull(ctx context.Context, pull domain.PullRequest) (domain.PullResult, error) {
	q := url.Values{}
	q.Set("_offset", strconv.Itoa(pull.Offset))
	q.Set("_count", strconv.Itoa(pull.Count))
	if !pull.Since.IsZero() {
		q.Set("_since", pull.Since.UTC().Format(time.RFC3339))
	}
	for _, f := range pull.Filters {
		name, value, _ := strings.Cut(f, "=")
		q.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pull.ResourceType)+"?"+q.Encode(), nil)
	if err != nil {
		return domain.PullResult{}, fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return domain.PullResult{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus("pull", resp); err != nil {
		return domain.PullResult{}, err
	}

	var page wirePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		// a truncated body means the connection dropped mid-response
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return domain.PullResult{}, &failure.TransportError{Op: "pull decode", Err: err}
		}
		return domain.PullResult{}, failure.NewRejection(failure.RejectOther, "malformed pull page: %v", err)
	}

	result := domain.PullResult{Total: -1, Records: make([]models.RemoteRecord, 0, len(page.Records))}
	if page.Total != nil {
		result.Total = *page.Total
	}
	for _, r := range page.Records {
		resourceType := r.ResourceType
		if resourceType == "" {
			resourceType = pull.ResourceType
		}
		result.Records = append(result.Records, models.RemoteRecord{
			ResourceType: resourceType,
			ResourceKey:  r.ResourceKey,
			Payload:      []byte(r.Payload),
			ModifiedOn:   r.ModifiedOn,
		})
	}
	return result, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("upstream request")
	return resp, nil
}

// checkStatus maps an HTTP status to the failure taxonomy. A response the
// server produced is a business rejection. Only statuses a proxy or gateway
// emits on behalf of an unreachable server count as transport failures.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return failure.NewRejection(failure.RejectValidation, "%s", detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return failure.NewRejection(failure.RejectAuthorization, "%s", detail)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return failure.NewRejection(failure.RejectConflict, "%s", detail)
	case http.StatusProxyAuthRequired, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &failure.TransportError{Op: op, Err: fmt.Errorf("proxy status %d: %s", resp.StatusCode, detail)}
	}
	return failure.NewRejection(failure.RejectOther, "status %d: %s", resp.StatusCode, detail)
}

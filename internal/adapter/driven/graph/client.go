// Package graph implements the GraphClient port over the social-graph HTTP
// API. Credentials travel as the access_token query parameter; every error
// path strips them before the message can reach a log line or a stored
// last_error field.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.GraphClient = (*Client)(nil)

const (
	defaultTimeout = 10 * time.Second

	// maxResponseBytes bounds how much of a graph response is read; well
	// beyond any page object or error envelope the API produces.
	maxResponseBytes = 1 << 20
)

// Error is a provider-reported API failure decoded from the graph error
// envelope. Its message is what gets persisted verbatim into a credential's
// last_error, so it carries everything an operator needs to diagnose the
// failure and nothing secret.
type Error struct {
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	Type    string `json:"type"`
	Message string `json:"message"`
	TraceID string `json:"fbtrace_id"`
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "graph api error %d", e.Code)
	if e.Subcode != 0 {
		fmt.Fprintf(&b, "/%d", e.Subcode)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.TraceID != "" {
		fmt.Fprintf(&b, " [trace %s]", e.TraceID)
	}
	return b.String()
}

type errorEnvelope struct {
	Error *Error `json:"error"`
}

// Client implements the driven.GraphClient port with plain net/http.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient creates a social-graph API client whose transport caches
// responses in memory (ETag-based conditional requests), so repeated warm
// checks against an unchanged page revalidate instead of refetching.
func NewClient(baseURL string) *Client {
	httpClient := httpcache.NewMemoryCacheTransport().Client()
	httpClient.Timeout = defaultTimeout

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base URL.
// This constructor is intended for testing, allowing injection of an httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// ValidatePage performs the warm check: reads the page's id and name with
// the candidate credential. A response whose id differs from the requested
// page is a failure even on HTTP 200, since a credential for the wrong page
// is as useless as a rejected one.
func (c *Client) ValidatePage(ctx context.Context, pageID, credential string) error {
	var page struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	params := url.Values{"fields": {"id,name"}}
	if err := c.get(ctx, "/"+url.PathEscape(pageID), params, credential, false, &page); err != nil {
		return err
	}

	if page.ID != pageID {
		return fmt.Errorf("page identity mismatch: provider returned id %q for page %s", page.ID, pageID)
	}

	return nil
}

// DerivePageCredential exchanges an actor-level credential for a page-scoped
// one. The response body carries a token, so the request opts out of the
// HTTP cache entirely.
func (c *Client) DerivePageCredential(ctx context.Context, pageID, actorCredential string) (string, error) {
	var page struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	}

	params := url.Values{"fields": {"access_token"}}
	if err := c.get(ctx, "/"+url.PathEscape(pageID), params, actorCredential, true, &page); err != nil {
		return "", err
	}

	if page.AccessToken == "" {
		return "", fmt.Errorf("provider returned no page credential for page %s", pageID)
	}

	return page.AccessToken, nil
}

// ListActorPages returns every page reachable from the actor credential,
// following paging.next links until the provider reports no more.
func (c *Client) ListActorPages(ctx context.Context, actorCredential string) ([]model.ActorPage, error) {
	type accountsPage struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
		Paging struct {
			Next string `json:"next"`
		} `json:"paging"`
	}

	params := url.Values{"fields": {"id,name"}, "access_token": {actorCredential}}
	next := c.baseURL + "/me/accounts?" + params.Encode()

	pages := []model.ActorPage{}
	for pageNum := 1; next != ""; pageNum++ {
		var out accountsPage
		if err := c.do(ctx, next, true, &out); err != nil {
			return nil, fmt.Errorf("listing actor pages (page %d): %w", pageNum, err)
		}

		for _, item := range out.Data {
			pages = append(pages, model.ActorPage{ID: item.ID, Name: item.Name})
		}

		next = out.Paging.Next
	}

	return pages, nil
}

// get builds the request URL from path + params + credential and performs it.
func (c *Client) get(ctx context.Context, path string, params url.Values, credential string, noStore bool, out any) error {
	params.Set("access_token", credential)
	return c.do(ctx, c.baseURL+path+"?"+params.Encode(), noStore, out)
}

// do performs one GET against the graph API and decodes the JSON response
// into out. Provider errors come back as *Error; transport failures are
// sanitized so the access token in the URL never appears in the message.
func (c *Client) do(ctx context.Context, reqURL string, noStore bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("building graph request: %w", err)
	}
	if noStore {
		req.Header.Set("Cache-Control", "no-store")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return sanitizeError(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading graph response: %w", err)
	}

	slog.Debug("graph api call",
		"url", redactToken(reqURL),
		"status", resp.StatusCode,
	)

	if resp.StatusCode != http.StatusOK {
		var envelope errorEnvelope
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
			return envelope.Error
		}
		return fmt.Errorf("graph api returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding graph response: %w", err)
	}

	return nil
}

// sanitizeError rewrites transport errors, which embed the full request URL,
// with the access token redacted.
func sanitizeError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s %s: %w", urlErr.Op, redactToken(urlErr.URL), urlErr.Err)
	}
	return err
}

// redactToken replaces the access_token query parameter so the URL is safe
// to log or store.
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}

	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "redacted")
		u.RawQuery = q.Encode()
	}

	return u.String()
}

package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"storyclip/internal/pkg/errors"
)

// Remote post states as reported by PostStatus.
const (
	RemotePublished = "published"
	RemoteFailed    = "failed"
)

type PostRequest struct {
	MediaURL string `json:"media_url"`
	Text     string `json:"text"`
}

type PostStatus struct {
	// State is lower-cased; "live" is reported as published and "error"
	// as failed.
	State      string `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Client talks to the publishing API. PostStatus reports a post the remote
// side does not know yet with errors.CodeNotFound.
type Client interface {
	CreatePost(ctx context.Context, req PostRequest) (postID string, err error)
	PostStatus(ctx context.Context, postID string) (PostStatus, error)
}

type ClientConfig struct {
	BaseURL string
	// TokenURL with ClientID and ClientSecret selects the client credentials
	// grant. Otherwise AccessToken is sent as a static bearer token.
	TokenURL     string
	ClientID     string
	ClientSecret string
	AccessToken  string
	Timeout      time.Duration
}

// HTTPClient implements Client over JSON HTTP.
type HTTPClient struct {
	base string
	hc   *http.Client
}

func NewHTTPClient(ctx context.Context, cfg ClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Validation("publish base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "publish.client", "parse base url")
	}

	var hc *http.Client
	switch {
	case cfg.TokenURL != "" && cfg.ClientID != "":
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		hc = cc.Client(ctx)
	case cfg.AccessToken != "":
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.AccessToken,
			TokenType:   "Bearer",
		}))
	default:
		hc = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc.Timeout = timeout

	return &HTTPClient{base: strings.TrimRight(cfg.BaseURL, "/"), hc: hc}, nil
}

func (c *HTTPClient) CreatePost(ctx context.Context, req PostRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "publish.create_post", "encode request")
	}

	var out struct {
		ID   string `json:"id"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, c.base+"/posts", body, &out); err != nil {
		return "", err
	}
	id := out.ID
	if id == "" {
		id = out.Data.ID
	}
	if id == "" {
		return "", errors.Internal("publish API returned no post id")
	}
	return id, nil
}

func (c *HTTPClient) PostStatus(ctx context.Context, postID string) (PostStatus, error) {
	var out struct {
		Status     string `json:"status"`
		Lifecycle  string `json:"lifecycle"`
		ExternalID string `json:"external_id"`
		Error      string `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, c.base+"/posts/"+url.PathEscape(postID), nil, &out); err != nil {
		return PostStatus{}, err
	}
	state := out.Status
	if state == "" {
		state = out.Lifecycle
	}
	return PostStatus{
		State:      normalizeState(state),
		ExternalID: out.ExternalID,
		Error:      out.Error,
	}, nil
}

func normalizeState(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "live":
		return RemotePublished
	case "error":
		return RemoteFailed
	}
	return s
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body []byte, out any) error {
	op := "publish." + strings.ToLower(method)

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return errors.Wrap(err, op, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "publish API unreachable")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, op, "decode response")
	}
	return nil
}

func statusError(op string, status int, raw []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	var e *errors.Error
	switch {
	case status == http.StatusNotFound:
		e = errors.New(errors.CodeNotFound, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		e = errors.Transient(msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e = errors.Validation(msg)
	default:
		e = errors.New(errors.CodeFailedPrecond, msg)
	}
	e.Op = op
	return e.WithField("status", status).WithField("detail", fmt.Sprintf("%.200s", raw))
}

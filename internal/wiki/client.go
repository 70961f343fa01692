// Package wiki is a small MediaWiki Action API client: bot-password login,
// reading the current wikitext of a page and saving a new revision.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/efebarandurmaz/katbot/internal/observability"
)

// ErrPageMissing is returned by PageText for a page that does not exist.
var ErrPageMissing = errors.New("wiki: page does not exist")

// Options configures a Client.
type Options struct {
	APIURL    string
	Username  string
	Password  string
	UserAgent string
	// MaxLag is sent with every request; the server refuses work while
	// replication lag exceeds it. Zero disables the parameter.
	MaxLag int
	Retry  RetryConfig
	Logger *slog.Logger
	// HTTPClient overrides the default client. Its Jar is replaced when nil.
	HTTPClient *http.Client
}

// Client talks to one wiki. It is safe for sequential use by one run.
type Client struct {
	apiURL    string
	username  string
	password  string
	userAgent string
	maxLag    int
	retry     RetryConfig
	http      *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	loggedIn bool
	csrf     string
}

// New creates a Client. Login happens lazily before the first edit.
func New(opts Options) (*Client, error) {
	if opts.APIURL == "" {
		return nil, fmt.Errorf("wiki: api url is empty")
	}
	if _, err := url.Parse(opts.APIURL); err != nil {
		return nil, fmt.Errorf("wiki: parse api url: %w", err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("wiki: cookie jar: %w", err)
		}
		hc.Jar = jar
	}

	retry := opts.Retry
	def := DefaultRetryConfig()
	if retry.Timeout == 0 {
		retry.Timeout = def.Timeout
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = def.MaxDelay
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "katbot/0.1"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiURL:    opts.APIURL,
		username:  opts.Username,
		password:  opts.Password,
		userAgent: userAgent,
		maxLag:    opts.MaxLag,
		retry:     retry,
		http:      hc,
		logger:    logger.With("component", "wiki"),
	}, nil
}

// call performs one API request and decodes the JSON response into out.
// POST is used when post is true.
func (c *Client) call(ctx context.Context, params url.Values, post bool, out any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")
	if c.maxLag > 0 {
		params.Set("maxlag", strconv.Itoa(c.maxLag))
	}

	var (
		req *http.Request
		err error
	)
	if post {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("wiki api: decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) token(ctx context.Context, kind string) (string, error) {
	var resp struct {
		Query struct {
			Tokens map[string]string `json:"tokens"`
		} `json:"query"`
	}
	params := url.Values{"action": {"query"}, "meta": {"tokens"}, "type": {kind}}
	if err := c.call(ctx, params, false, &resp); err != nil {
		return "", err
	}
	tok := resp.Query.Tokens[kind+"token"]
	if tok == "" {
		return "", fmt.Errorf("wiki api: no %s token in response", kind)
	}
	return tok, nil
}

// Login authenticates with a bot password. Without a username it is a no-op.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	if c.loggedIn || c.username == "" {
		return nil
	}
	ctx, span := observability.StartWikiSpan(ctx, "login", "")
	defer span.End()

	err := c.withRetry(ctx, "login", func(ctx context.Context) error {
		tok, err := c.token(ctx, "login")
		if err != nil {
			return err
		}
		var resp struct {
			Login struct {
				Result string `json:"result"`
				Reason string `json:"reason"`
			} `json:"login"`
		}
		params := url.Values{
			"action":     {"login"},
			"lgname":     {c.username},
			"lgpassword": {c.password},
			"lgtoken":    {tok},
		}
		if err := c.call(ctx, params, true, &resp); err != nil {
			return err
		}
		if resp.Login.Result != "Success" {
			return fmt.Errorf("wiki login failed: %s %s", resp.Login.Result, resp.Login.Reason)
		}
		return nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	c.loggedIn = true
	c.logger.Info("logged in", "user", c.username)
	return nil
}

// PageText returns the current wikitext of page.
func (c *Client) PageText(ctx context.Context, page string) (string, error) {
	ctx, span := observability.StartWikiSpan(ctx, "read", page)
	defer span.End()

	var text string
	err := c.withRetry(ctx, "read", func(ctx context.Context) error {
		var resp struct {
			Query struct {
				Pages []struct {
					Title     string `json:"title"`
					Missing   bool   `json:"missing"`
					Invalid   bool   `json:"invalid"`
					Revisions []struct {
						Slots struct {
							Main struct {
								Content string `json:"content"`
							} `json:"main"`
						} `json:"slots"`
					} `json:"revisions"`
				} `json:"pages"`
			} `json:"query"`
		}
		params := url.Values{
			"action":  {"query"},
			"prop":    {"revisions"},
			"titles":  {page},
			"rvprop":  {"content"},
			"rvslots": {"main"},
		}
		if err := c.call(ctx, params, false, &resp); err != nil {
			return err
		}
		if len(resp.Query.Pages) == 0 {
			return fmt.Errorf("wiki api: no page in response for %q", page)
		}
		p := resp.Query.Pages[0]
		if p.Missing || p.Invalid || len(p.Revisions) == 0 {
			return fmt.Errorf("%w: %s", ErrPageMissing, page)
		}
		text = p.Revisions[0].Slots.Main.Content
		return nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return "", err
	}
	return text, nil
}

// Save replaces the text of an existing page, marked as a bot edit.
func (c *Client) Save(ctx context.Context, page, text, summary string) error {
	ctx, span := observability.StartWikiSpan(ctx, "edit", page)
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loginLocked(ctx); err != nil {
		observability.RecordError(span, err)
		return err
	}

	err := c.withRetry(ctx, "edit", func(ctx context.Context) error {
		if c.csrf == "" {
			tok, err := c.token(ctx, "csrf")
			if err != nil {
				return err
			}
			c.csrf = tok
		}
		var resp struct {
			Edit struct {
				Result   string `json:"result"`
				NewRevID int64  `json:"newrevid"`
				NoChange bool   `json:"nochange"`
			} `json:"edit"`
		}
		params := url.Values{
			"action":   {"edit"},
			"title":    {page},
			"text":     {text},
			"summary":  {summary},
			"bot":      {"1"},
			"nocreate": {"1"},
			"token":    {c.csrf},
		}
		err := c.call(ctx, params, true, &resp)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "badtoken" {
			c.csrf = ""
		}
		if err != nil {
			return err
		}
		if resp.Edit.Result != "Success" {
			return fmt.Errorf("wiki edit of %s: result %q", page, resp.Edit.Result)
		}
		c.logger.Info("page saved", "page", page, "revid", resp.Edit.NewRevID, "nochange", resp.Edit.NoChange)
		return nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("edit %s: %w", page, err)
	}
	return nil
}

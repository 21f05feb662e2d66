package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"salonchat/internal/logger"
	"salonchat/internal/models"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Client talks to the backend's REST endpoints on behalf of one user.
type Client struct {
	baseURL string
	http    *http.Client
	conf    ClientConfig
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(conf ClientConfig) *Client {
	if conf.Timeout <= 0 {
		conf.Timeout = defaultTimeout
	}
	if conf.MaxRetries < 0 {
		conf.MaxRetries = 0
	} else if conf.MaxRetries == 0 {
		conf.MaxRetries = defaultMaxRetries
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = 200 * time.Millisecond
	}

	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		http:    &http.Client{Transport: tr, Timeout: conf.Timeout},
		conf:    conf,
		logger:  logger.OrNop(conf.Logger).Named("api"),
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UnreadCount returns the session user's unread message count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp models.UnreadCountResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages/unread-count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var resp []models.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CreateConversation(ctx context.Context, name string, participants []string) (*models.ConversationSummary, error) {
	req := models.CreateConversationRequest{Name: name, Participants: participants}
	var resp models.ConversationSummary
	if err := c.do(ctx, http.MethodPost, "/api/conversations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Messages returns one page of a conversation's messages, newest first.
func (c *Client) Messages(ctx context.Context, conversationID string, offset int) ([]models.Message, error) {
	q := url.Values{}
	q.Set("conversation_id", conversationID)
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var resp []models.Message
	if err := c.do(ctx, http.MethodGet, "/api/conversations/messages?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	req := models.LoginRequest{Username: username, Password: password}
	var resp models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// do sends the request, retrying network errors and 5xx responses with
// exponential backoff. Other statuses are returned as *StatusError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			statusErr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if resp.StatusCode >= 500 {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding %s response: %w", path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.RetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.conf.MaxRetries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.Debug("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return statusErr
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

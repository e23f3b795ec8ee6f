package crm

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/pkg/errors"
)

// Auth types supported by the CRM endpoint.
const (
    AuthAPIKey = "api_key"
    AuthBasic  = "basic_auth"
    AuthBearer = "bearer_token"
)

// Config holds the CRM endpoint settings.
type Config struct {
    Server       string
    EndpointPath string
    AuthType     string
    APIKey       string
    Username     string
    Password     string
    Token        string
    Timeout      time.Duration
}

// Client posts call records to the CRM HTTP endpoint.
type Client struct {
    config Config
    http   *http.Client
}

// NewClient creates a CRM client.
func NewClient(config Config) *Client {
    if config.EndpointPath == "" {
        config.EndpointPath = "/api/calls"
    }
    if config.AuthType == "" {
        config.AuthType = AuthAPIKey
    }
    if config.Timeout == 0 {
        config.Timeout = 10 * time.Second
    }

    return &Client{
        config: config,
        http:   &http.Client{Timeout: config.Timeout},
    }
}

// Send posts one record. Non-2xx responses are errors.
func (c *Client) Send(ctx context.Context, record Record) error {
    body, err := json.Marshal(record)
    if err != nil {
        return errors.Wrap(err, errors.ErrCRMPublish, "failed to encode CRM record")
    }

    url := strings.TrimRight(c.config.Server, "/") + c.config.EndpointPath
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
    if err != nil {
        return errors.Wrap(err, errors.ErrCRMPublish, "failed to build CRM request")
    }

    req.Header.Set("Content-Type", "application/json")

    switch c.config.AuthType {
    case AuthBasic:
        req.SetBasicAuth(c.config.Username, c.config.Password)
    case AuthBearer:
        req.Header.Set("Authorization", "Bearer "+c.config.Token)
    default:
        req.Header.Set("X-API-Key", c.config.APIKey)
    }

    resp, err := c.http.Do(req)
    if err != nil {
        return errors.Wrap(err, errors.ErrCRMPublish, "CRM request failed")
    }
    defer resp.Body.Close()

    if resp.StatusCode < 200 || resp.StatusCode > 299 {
        msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
        return errors.New(errors.ErrCRMPublish,
            fmt.Sprintf("CRM returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
    }

    return nil
}

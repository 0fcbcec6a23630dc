// Package auth implements the Credential Broker (§4.3): exchanging account
// credentials for a session token, and that token for MQTT broker
// credentials, for the push and request/reply backends.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ecoflow/ecoflow-exporter/backend"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// LoginResult is what a successful Login returns.
type LoginResult struct {
	Token       string
	UserID      string
	DisplayName string
}

// BrokerCredentials is what a successful FetchBrokerCredentials returns: the
// MQTT broker location plus the per-account certificate credentials and
// client identifier the Push/Request-Reply backends connect with.
type BrokerCredentials struct {
	Host     string
	Port     string
	Username string
	Password string
	ClientID string
}

// Client is the Credential Broker. Every request carries the configured
// timeout; there is no retry on 401 here (that is an authentication
// failure, not a transient one).
type Client struct {
	host string
	http *retryablehttp.Client
	log  *zap.Logger
}

// New builds a Client against host (e.g. "https://api.ecoflow.com") with the
// given per-request timeout.
func New(host string, timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 2 * time.Second
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout

	return &Client{
		host: strings.TrimRight(host, "/"),
		http: rc,
		log:  zap.L(),
	}
}

// Login exchanges email/password for a session token and user identifier.
// The response is considered successful when the top-level code == "0" or
// message == "Success" (case-insensitive) — both forms coexist between API
// variants (§9 Open Question).
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": base64.StdEncoding.EncodeToString([]byte(password)),
		"scene":    "IOT_APP",
		"userType": "ECOFLOW",
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: encode login body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.host+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Token string `json:"token"`
			User  struct {
				UserID string `json:"userId"`
				Name   string `json:"name"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := c.doJSON(req, "login", &payload); err != nil {
		return LoginResult{}, err
	}
	if !successOK(payload.Code, payload.Message) {
		return LoginResult{}, &backend.APIError{Op: "login", Code: payload.Code, Message: payload.Message}
	}
	if payload.Data.Token == "" {
		return LoginResult{}, &backend.MissingFieldError{Op: "login", Field: "data.token"}
	}
	if payload.Data.User.UserID == "" {
		return LoginResult{}, &backend.MissingFieldError{Op: "login", Field: "data.user.userId"}
	}

	return LoginResult{
		Token:       payload.Data.Token,
		UserID:      payload.Data.User.UserID,
		DisplayName: payload.Data.User.Name,
	}, nil
}

// FetchBrokerCredentials exchanges a session token for MQTT broker
// connection credentials. The client identifier is constructed as
// "ANDROID_" + uppercase(random UUID v4) + "_" + userID.
func (c *Client) FetchBrokerCredentials(ctx context.Context, token, userID string) (BrokerCredentials, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.host+"/iot-auth/app/certification?userId="+userID, nil)
	if err != nil {
		return BrokerCredentials{}, fmt.Errorf("auth: build certification request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			URL                 string `json:"url"`
			Port                string `json:"port"`
			CertificateAccount  string `json:"certificateAccount"`
			CertificatePassword string `json:"certificatePassword"`
		} `json:"data"`
	}
	if err := c.doJSON(req, "fetch_broker_credentials", &payload); err != nil {
		return BrokerCredentials{}, err
	}
	if !successOK(payload.Code, payload.Message) {
		return BrokerCredentials{}, &backend.APIError{Op: "fetch_broker_credentials", Code: payload.Code, Message: payload.Message}
	}
	switch {
	case payload.Data.URL == "":
		return BrokerCredentials{}, &backend.MissingFieldError{Op: "fetch_broker_credentials", Field: "data.url"}
	case payload.Data.Port == "":
		return BrokerCredentials{}, &backend.MissingFieldError{Op: "fetch_broker_credentials", Field: "data.port"}
	case payload.Data.CertificateAccount == "":
		return BrokerCredentials{}, &backend.MissingFieldError{Op: "fetch_broker_credentials", Field: "data.certificateAccount"}
	case payload.Data.CertificatePassword == "":
		return BrokerCredentials{}, &backend.MissingFieldError{Op: "fetch_broker_credentials", Field: "data.certificatePassword"}
	}

	clientID := "ANDROID_" + strings.ToUpper(uuid.New().String()) + "_" + userID

	return BrokerCredentials{
		Host:     payload.Data.URL,
		Port:     payload.Data.Port,
		Username: payload.Data.CertificateAccount,
		Password: payload.Data.CertificatePassword,
		ClientID: clientID,
	}, nil
}

func (c *Client) doJSON(req *retryablehttp.Request, op string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth: %s: %w", op, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("auth: %s: read response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &backend.APIError{Op: op, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("auth: %s: decode response: %w", op, err)
	}
	return nil
}

// successOK implements the dual success criterion of §9's Open Question:
// the developer API uses code=="0", the account/push API uses
// message=="Success" (case-insensitive). Accept either.
func successOK(code, message string) bool {
	return code == "0" || strings.EqualFold(message, "Success")
}

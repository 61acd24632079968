// Package notify is the best-effort push-notification gateway, talking to
// Firebase Cloud Messaging's HTTP v1 API.
//
// No FCM client library appears anywhere in the example corpus, so this
// package talks to FCM directly over net/http + encoding/json rather than
// importing an unrelated ecosystem SDK (documented in DESIGN.md).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/protei/gv50ingest/internal/logger"
)

const defaultEndpoint = "https://fcm.googleapis.com"

// Gateway is a fire-and-forget FCM HTTP v1 client.
type Gateway struct {
	enabled      bool
	endpoint     string
	projectID    string
	accessToken  string
	defaultTopic string
	httpClient   *http.Client
	log          *logger.Logger
}

// Config configures the gateway.
type Config struct {
	Enabled        bool
	Endpoint       string // base URL; empty uses the production FCM endpoint
	ProjectID      string
	AccessToken    string // short-lived OAuth2 bearer token for the FCM HTTP v1 endpoint
	DefaultTopic   string
	RequestTimeout time.Duration
}

// New creates a notification gateway. It is handed a ready bearer token;
// cmd/gv50ingest/main.go reads it from the GV50INGEST_FCM_ACCESS_TOKEN
// environment variable. fcm_credentials_path is not read by this package or
// by the bootstrap.
func New(cfg Config) *Gateway {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Gateway{
		enabled:      cfg.Enabled,
		endpoint:     endpoint,
		projectID:    cfg.ProjectID,
		accessToken:  cfg.AccessToken,
		defaultTopic: cfg.DefaultTopic,
		httpClient:   &http.Client{Timeout: timeout},
		log:          logger.Get().WithComponent("notify"),
	}
}

// Enabled reports whether the gateway is configured to send.
func (g *Gateway) Enabled() bool {
	return g.enabled
}

type fcmMessage struct {
	Message fcmEnvelope `json:"message"`
}

type fcmEnvelope struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// SendToToken delivers to a single device token. Best-effort: the core
// never awaits success beyond the boolean result, and a failure here must
// never propagate as a frame-processing error.
func (g *Gateway) SendToToken(token, title, body string, data map[string]string) bool {
	return g.send(fcmEnvelope{Token: token, Notification: fcmNotification{Title: title, Body: body}, Data: data})
}

// SendToTopic delivers to a topic subscription.
func (g *Gateway) SendToTopic(topic, title, body string, data map[string]string) bool {
	if topic == "" {
		topic = g.defaultTopic
	}
	return g.send(fcmEnvelope{Topic: topic, Notification: fcmNotification{Title: title, Body: body}, Data: data})
}

func (g *Gateway) send(envelope fcmEnvelope) bool {
	if !g.enabled {
		return false
	}

	payload, err := json.Marshal(fcmMessage{Message: envelope})
	if err != nil {
		g.log.Error("marshal fcm payload", err)
		return false
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", g.endpoint, g.projectID)
	ctx, cancel := context.WithTimeout(context.Background(), g.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		g.log.Error("build fcm request", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Warn("fcm send failed", "error", err.Error())
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		g.log.Warn("fcm send rejected", "status", resp.StatusCode)
		return false
	}
	return true
}

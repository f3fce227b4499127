package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Verifier checks a human-verification token. It must fail closed: any transport or
// decoding problem is a failed verification.
type Verifier interface {
	Verify(ctx context.Context, token string, remoteIP string) bool
}

// TurnstileVerifier calls the Cloudflare Turnstile siteverify endpoint.
type TurnstileVerifier struct {
	url    string
	secret string
	client *http.Client
	log    *slog.Logger
}

func NewTurnstileVerifier(verifyURL string, secret string, logger *slog.Logger) *TurnstileVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnstileVerifier{
		url:    strings.TrimSpace(verifyURL),
		secret: strings.TrimSpace(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}
}

type turnstileRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
	RemoteIP string `json:"remoteip,omitempty"`
}

type turnstileResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *TurnstileVerifier) Verify(ctx context.Context, token string, remoteIP string) bool {
	if v == nil || v.secret == "" || v.url == "" || strings.TrimSpace(token) == "" {
		return false
	}
	payload, err := json.Marshal(turnstileRequest{Secret: v.secret, Response: token, RemoteIP: remoteIP})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.log.Warn("turnstile verify request failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false
	}
	var decoded turnstileResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		v.log.Warn("turnstile verify response invalid", "status", resp.StatusCode)
		return false
	}
	if !decoded.Success && len(decoded.ErrorCodes) > 0 {
		v.log.Debug("turnstile rejected token", "error_codes", decoded.ErrorCodes)
	}
	return decoded.Success
}

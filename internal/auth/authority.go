package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/model"
)

// ConsoleAuthority resolves a console credential to the console's owner.
type ConsoleAuthority interface {
	VerifyConsole(ctx context.Context, consoleID, consoleToken string) (ownerID string, err error)
}

// HTTPAuthority asks the external verification service over HTTP.
//
//	POST {baseURL}/consoles/verify  {"consoleId": ..., "consoleToken": ...}
//	200 {"userId": ...}      verified
//	401, 403, 404            rejected
//	anything else            unreachable
type HTTPAuthority struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPAuthority creates an authority client with a per-request timeout.
func NewHTTPAuthority(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "authority").Logger(),
	}
}

type verifyRequest struct {
	ConsoleID    string `json:"consoleId"`
	ConsoleToken string `json:"consoleToken"`
}

type verifyResponse struct {
	UserID string `json:"userId"`
}

// VerifyConsole implements ConsoleAuthority.
func (a *HTTPAuthority) VerifyConsole(ctx context.Context, consoleID, consoleToken string) (string, error) {
	if consoleID == "" || consoleToken == "" {
		return "", fmt.Errorf("%w: missing console id or credential", model.ErrAuthentication)
	}

	body, err := json.Marshal(verifyRequest{ConsoleID: consoleID, ConsoleToken: consoleToken})
	if err != nil {
		return "", fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/consoles/verify", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", model.ErrAuthorityUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrAuthorityUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return "", fmt.Errorf("%w: console %s rejected by authority (%d)", model.ErrAuthentication, consoleID, resp.StatusCode)
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: unexpected status %d", model.ErrAuthorityUnreachable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", model.ErrAuthorityUnreachable, err)
	}
	if out.UserID == "" {
		return "", fmt.Errorf("%w: authority returned no owner for console %s", model.ErrAuthentication, consoleID)
	}

	a.log.Debug().Str("console", consoleID).Str("owner", out.UserID).Msg("console verified")
	return out.UserID, nil
}

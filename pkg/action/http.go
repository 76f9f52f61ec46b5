package action

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// HTTP performs a single HTTP request described by the rendered
// config:
//
//	url:     request URL (required)
//	method:  HTTP method, default GET
//	headers: map of header name to value
//	json:    value marshaled as the request body (sets Content-Type)
//	body:    raw string body (ignored when json is set)
//
// Bearer and HMAC credentials from the step keychain are applied as
// request authentication. Responses with JSON bodies decode into
// structured result data; anything else comes back as a string.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates the HTTP action with a shared client. Per-attempt
// deadlines come from the invocation context, not the client.
func NewHTTP() *HTTP {
	return &HTTP{client: &http.Client{Timeout: 0}}
}

func (h *HTTP) Kind() string { return "http" }

func (h *HTTP) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	url := configString(inv.Config, "url")
	if url == "" {
		return nil, models.NewError(models.ErrorKindValidation, "http action requires a url")
	}
	method := strings.ToUpper(configString(inv.Config, "method"))
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := requestBody(inv.Config)
	if err != nil {
		return nil, models.NewError(models.ErrorKindValidation, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, models.NewError(models.ErrorKindValidation, fmt.Sprintf("building request: %v", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := inv.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if err := h.applyAuth(req, inv); err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err(), inv.AttemptCount)
		}
		serr := models.NewError(models.ErrorKindTransport, err.Error())
		serr.SourceSystem = req.URL.Host
		return nil, serr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		serr := models.NewError(models.ErrorKindTransport, fmt.Sprintf("reading response: %v", err))
		serr.SourceSystem = req.URL.Host
		return nil, serr
	}

	data := decodeBody(resp.Header.Get("Content-Type"), raw)
	result := &Result{
		Data: map[string]any{
			"status": resp.StatusCode,
			"body":   data,
		},
		Meta: map[string]any{"url": url, "method": method},
	}
	if resp.StatusCode >= 400 {
		serr := models.NewError(models.ErrorKindAction,
			fmt.Sprintf("%s %s returned HTTP %d", method, url, resp.StatusCode))
		serr.SourceSystem = req.URL.Host
		// 5xx and 429 are worth another attempt; 4xx are not.
		serr.Retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, serr
	}
	return result, nil
}

// SafelyRetryable is true for idempotent methods.
func (h *HTTP) SafelyRetryable(inv *Invocation) bool {
	switch strings.ToUpper(configString(inv.Config, "method")) {
	case "", http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func requestBody(cfg map[string]any) (io.Reader, string, error) {
	if v, ok := cfg["json"]; ok {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("marshaling json body: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
	if s := configString(cfg, "body"); s != "" {
		return strings.NewReader(s), "", nil
	}
	return nil, "", nil
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// applyAuth attaches credential material as request authentication.
// Credential payloads stay inside the request; they never reach the
// result or events.
func (h *HTTP) applyAuth(req *http.Request, inv *Invocation) error {
	for name, cred := range inv.Credentials {
		switch cred.Kind {
		case models.CredentialBearer, models.CredentialOAuth:
			token, _ := cred.Payload["token"].(string)
			if token == "" {
				return models.NewError(models.ErrorKindAuth,
					fmt.Sprintf("credential %s has no token", name))
			}
			req.Header.Set("Authorization", "Bearer "+token)
		case models.CredentialHMAC:
			key, _ := cred.Payload["key"].(string)
			if key == "" {
				return models.NewError(models.ErrorKindAuth,
					fmt.Sprintf("credential %s has no key", name))
			}
			mac := hmac.New(sha256.New, []byte(key))
			mac.Write([]byte(req.Method + "\n" + req.URL.Path + "\n" +
				time.Now().UTC().Format(time.RFC3339)))
			req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
		}
	}
	return nil
}

// Package tks is an HTTP/JSON client for a token key service: the peer
// that holds the static card keys and hands out wrapped session keys.
package tks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/barnettlynn/gpscp/pkg/gp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds one key service round trip when HTTPClient is nil.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 512

// Client requests session keys from a key service.
type Client struct {
	// BaseURL is the service root; requests go to BaseURL + "/sessionkeys".
	BaseURL string
	// HTTPClient defaults to a client with DefaultTimeout.
	HTTPClient *http.Client
	// Limiter, when set, paces requests so a personalization line cannot
	// flood the service.
	Limiter *rate.Limiter

	// Access credentials sent as CF-Access-Client-Id and
	// CF-Access-Client-Secret.
	ClientID     string
	ClientSecret string
}

// NewClient returns a client limited to requestsPerMinute (0 disables the
// limit).
func NewClient(baseURL string, requestsPerMinute int) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
	if requestsPerMinute > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}
	return c
}

// SessionKeysRequest is the JSON body of POST /sessionkeys. Byte fields are
// uppercase hex.
type SessionKeysRequest struct {
	Protocol        string `json:"protocol"`
	Implementation  string `json:"implementation"`
	KeyVersion      string `json:"key_version"`
	CUID            string `json:"cuid"`
	KDD             string `json:"kdd"`
	HostChallenge   string `json:"host_challenge"`
	CardChallenge   string `json:"card_challenge"`
	SequenceCounter string `json:"sequence_counter,omitempty"`
	CardCryptogram  string `json:"card_cryptogram"`
}

// SessionKeysResponse is the JSON answer. Keys are wrapped under the
// transport key; cryptograms are clear.
type SessionKeysResponse struct {
	SessionKey      string `json:"session_key"`
	EncSessionKey   string `json:"enc_session_key"`
	RMACSessionKey  string `json:"rmac_session_key,omitempty"`
	DEKSessionKey   string `json:"dek_session_key,omitempty"`
	KeyCheck        string `json:"key_check,omitempty"`
	HostCryptogram  string `json:"host_cryptogram"`
	CardCryptogram  string `json:"card_cryptogram,omitempty"`
	DRMTransportKey string `json:"drm_transport_key,omitempty"`
}

func encode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// NewSessionKeysRequest converts a session key request to its wire form.
func NewSessionKeysRequest(req gp.SessionKeyRequest) SessionKeysRequest {
	return SessionKeysRequest{
		Protocol:        req.Protocol.String(),
		Implementation:  encode([]byte{req.Implementation}),
		KeyVersion:      encode([]byte{req.KeyVersion}),
		CUID:            encode(req.CUID),
		KDD:             encode(req.KeyDiversificationData),
		HostChallenge:   encode(req.HostChallenge),
		CardChallenge:   encode(req.CardChallenge),
		SequenceCounter: encode(req.SequenceCounter),
		CardCryptogram:  encode(req.CardCryptogram),
	}
}

// Material decodes the response fields.
func (r *SessionKeysResponse) Material() (*gp.SessionKeyMaterial, error) {
	m := &gp.SessionKeyMaterial{}
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"session_key", r.SessionKey, &m.SessionKey},
		{"enc_session_key", r.EncSessionKey, &m.EncSessionKey},
		{"rmac_session_key", r.RMACSessionKey, &m.RMACSessionKey},
		{"dek_session_key", r.DEKSessionKey, &m.DEKSessionKey},
		{"key_check", r.KeyCheck, &m.KeyCheck},
		{"host_cryptogram", r.HostCryptogram, &m.HostCryptogram},
		{"card_cryptogram", r.CardCryptogram, &m.CardCryptogram},
		{"drm_transport_key", r.DRMTransportKey, &m.DRMTransportKey},
	} {
		if f.in == "" {
			continue
		}
		b, err := hex.DecodeString(f.in)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", f.name)
		}
		*f.out = b
	}
	if len(m.SessionKey) == 0 || len(m.EncSessionKey) == 0 {
		return nil, errors.New("response is missing session_key or enc_session_key")
	}
	return m, nil
}

// SessionKeys implements gp.KeyService.
func (c *Client) SessionKeys(ctx context.Context, req gp.SessionKeyRequest) (*gp.SessionKeyMaterial, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit")
		}
	}

	payload, err := json.Marshal(NewSessionKeysRequest(req))
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sessionkeys", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.ClientID != "" {
		httpReq.Header.Set("CF-Access-Client-Id", c.ClientID)
		httpReq.Header.Set("CF-Access-Client-Secret", c.ClientSecret)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("key service returned non-2xx status: %d %s: %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(body)))
	}

	var out SessionKeysResponse
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return out.Material()
}

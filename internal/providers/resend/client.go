package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultBaseURL = "https://api.resend.com"

type Client struct {
	APIKey  string
	From    string
	BaseURL string
	HTTP    *http.Client
}

type SendRequest struct {
	To      string
	Subject string
	HTML    string
}

type SendResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}

type sendBody struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail posts one message. Any non-2xx answer is an error carrying the
// response body, which callers store as the capsule's last_error.
func (c *Client) SendEmail(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	payload, err := json.Marshal(sendBody{From: c.From, To: []string{req.To}, Subject: req.Subject, HTML: req.HTML})
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, resp.StatusCode, b, fmt.Errorf("resend %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out.ID == "" {
		return out, resp.StatusCode, b, errors.New("resend: response without id")
	}
	return out, resp.StatusCode, b, nil
}

package websubsub

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"meow.tf/websubsub/model"
)

// Outcome classifies a hub's answer to a (un)subscription request.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeHubError
	OutcomeTransportError
)

// HubResponse is the classified result of one request to a hub.
type HubResponse struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

// maxHubErrorBody bounds how much of an error response is kept for logs.
const maxHubErrorBody = 512

// HubClient sends subscribe and unsubscribe requests to hubs.
type HubClient struct {
	client    *http.Client
	userAgent string
}

// NewHubClient creates a HubClient. The client timeout bounds every request.
func NewHubClient(client *http.Client) *HubClient {
	return &HubClient{
		client:    client,
		userAgent: "Go WebSubSub 1.0 (" + runtime.Version() + ")",
	}
}

// Send posts hub.mode, hub.topic and hub.callback to hubURL.
// Only 202 Accepted counts as success; any failure to get an answer is a transport error.
func (c *HubClient) Send(ctx context.Context, dir model.Direction, hubURL, topic, callback string) HubResponse {
	form := url.Values{}
	form.Set("hub.mode", dir.String())
	form.Set("hub.topic", topic)
	form.Set("hub.callback", callback)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hubURL, strings.NewReader(form.Encode()))

	if err != nil {
		return HubResponse{Outcome: OutcomeTransportError, Err: &TransportError{HubURL: hubURL, Err: err}}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	res, err := c.client.Do(req)

	if err != nil {
		return HubResponse{Outcome: OutcomeTransportError, Err: &TransportError{HubURL: hubURL, Err: err}}
	}

	defer res.Body.Close()

	if res.StatusCode == http.StatusAccepted {
		io.Copy(io.Discard, res.Body)
		return HubResponse{Outcome: OutcomeAccepted, StatusCode: res.StatusCode}
	}

	// Hubs SHOULD describe errors as plain text.
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxHubErrorBody))

	return HubResponse{
		Outcome:    OutcomeHubError,
		StatusCode: res.StatusCode,
		Err: &HubProtocolError{
			HubURL:     hubURL,
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		},
	}
}

func defaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

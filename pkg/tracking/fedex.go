package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/callwatch/callwatch/pkg/utils"
	"go.uber.org/zap"
)

const (
	fedexProductionBase = "https://apis.fedex.com"
	fedexSandboxBase    = "https://apis-sandbox.fedex.com"
)

// FedExClient queries the FedEx Track API.
type FedExClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewFedExClient builds a FedEx API client. The sandbox endpoints are
// used unless production is requested.
func NewFedExClient(apiKey, apiSecret string, production bool, logger *zap.Logger) *FedExClient {
	base := fedexSandboxBase
	if production {
		base = fedexProductionBase
	}
	return &FedExClient{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Configured reports whether API credentials are present.
func (c *FedExClient) Configured() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

type fedexTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type fedexTrackRequest struct {
	IncludeDetailedScans bool                `json:"includeDetailedScans"`
	TrackingInfo         []fedexTrackingInfo `json:"trackingInfo"`
}

type fedexTrackingInfo struct {
	TrackingNumberInfo fedexTrackingNumberInfo `json:"trackingNumberInfo"`
}

type fedexTrackingNumberInfo struct {
	TrackingNumber string `json:"trackingNumber"`
}

type fedexTrackResponse struct {
	Output struct {
		Alerts []struct {
			Message string `json:"message"`
		} `json:"alerts"`
		CompleteTrackResults []struct {
			TrackResults []struct {
				LatestStatusDetail struct {
					Description string `json:"description"`
					Code        string `json:"code"`
				} `json:"latestStatusDetail"`
				ScanEvents []struct {
					EventDescription string `json:"eventDescription"`
				} `json:"scanEvents"`
			} `json:"trackResults"`
		} `json:"completeTrackResults"`
	} `json:"output"`
}

func (c *FedExClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.apiKey},
		"client_secret": {c.apiSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fedex token request: %w", err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fedex token request: status %d", resp.StatusCode)
	}

	var tok fedexTokenResponse
	if err = json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode fedex token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("fedex token response missing access_token")
	}

	c.token = tok.AccessToken
	ttl := 10 * time.Minute
	if tok.ExpiresIn > 60 {
		ttl = time.Duration(tok.ExpiresIn-60) * time.Second
	}
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

// Status returns the latest delivery status description for a FedEx
// tracking number.
func (c *FedExClient) Status(ctx context.Context, trackingNumber string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	payload := fedexTrackRequest{
		IncludeDetailedScans: true,
		TrackingInfo: []fedexTrackingInfo{{
			TrackingNumberInfo: fedexTrackingNumberInfo{
				TrackingNumber: strings.TrimSpace(trackingNumber),
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/track/v1/trackingnumbers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-locale", "en_US")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fedex track request: %w", err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	var data fedexTrackResponse
	if err = json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode fedex track response: %w", err)
	}

	status := extractFedExStatus(&data)
	if status == "" {
		return "", fmt.Errorf("fedex response has no status for %s", trackingNumber)
	}
	return status, nil
}

func extractFedExStatus(data *fedexTrackResponse) string {
	if len(data.Output.Alerts) > 0 {
		if msg := data.Output.Alerts[0].Message; msg != "" {
			return msg
		}
		return "Alert received"
	}

	for _, result := range data.Output.CompleteTrackResults {
		for _, track := range result.TrackResults {
			detail := track.LatestStatusDetail
			if detail.Description != "" {
				if detail.Code != "" {
					return fmt.Sprintf("%s (%s)", detail.Description, detail.Code)
				}
				return detail.Description
			}
			if len(track.ScanEvents) > 0 && track.ScanEvents[0].EventDescription != "" {
				return track.ScanEvents[0].EventDescription
			}
		}
	}
	return ""
}

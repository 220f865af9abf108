package tracking

import (
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
	upsTokenURL = "https://onlinetools.ups.com/security/v1/oauth/token"
	upsTrackURL = "https://onlinetools.ups.com/api/track/v1/details"
)

// UPSClient queries the UPS tracking API. Tokens are client-credential
// grants fetched per lookup batch and cached until shortly before expiry.
type UPSClient struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewUPSClient builds a UPS API client.
func NewUPSClient(clientID, clientSecret string, logger *zap.Logger) *UPSClient {
	return &UPSClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
	}
}

// Configured reports whether API credentials are present.
func (c *UPSClient) Configured() bool {
	return c.clientID != "" && c.clientSecret != ""
}

type upsTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type upsTrackResponse struct {
	TrackResponse struct {
		Shipment []struct {
			Package []struct {
				Activity []struct {
					Status struct {
						Description string `json:"description"`
						Code        string `json:"code"`
					} `json:"status"`
					Description string `json:"description"`
				} `json:"activity"`
				DeliveryDate []struct {
					Date string `json:"date"`
				} `json:"deliveryDate"`
				CurrentStatus struct {
					Description string `json:"description"`
				} `json:"currentStatus"`
			} `json:"package"`
		} `json:"shipment"`
	} `json:"trackResponse"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *UPSClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upsTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ups token request: %w", err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ups token request: status %d", resp.StatusCode)
	}

	var tok upsTokenResponse
	if err = json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode ups token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("ups token response missing access_token")
	}

	c.token = tok.AccessToken
	// UPS reports expiry in seconds as a string; fall back to a short
	// lifetime when it cannot be parsed.
	ttl := 10 * time.Minute
	if secs := tok.ExpiresIn; utils.IsDigits(secs) {
		var n int
		_, _ = fmt.Sscanf(secs, "%d", &n)
		if n > 60 {
			ttl = time.Duration(n-60) * time.Second
		}
	}
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

// Status returns the latest delivery status description for a UPS
// tracking number.
func (c *UPSClient) Status(ctx context.Context, trackingNumber string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/%s", upsTrackURL, url.PathEscape(normalizeTrackingNumber(trackingNumber)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("locale", "en_US")
	q.Set("returnSignature", "false")
	q.Set("returnMilestones", "false")
	q.Set("returnPOD", "false")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("transactionSrc", "callwatch")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ups track request: %w", err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	var data upsTrackResponse
	if err = json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode ups track response: %w", err)
	}

	status := extractUPSStatus(&data)
	if status == "" {
		return "", fmt.Errorf("ups response has no status for %s", trackingNumber)
	}
	return status, nil
}

func extractUPSStatus(data *upsTrackResponse) string {
	if len(data.Errors) > 0 {
		e := data.Errors[0]
		if e.Code != "" {
			return fmt.Sprintf("Error: %s (%s)", e.Message, e.Code)
		}
		return fmt.Sprintf("Error: %s", e.Message)
	}

	shipments := data.TrackResponse.Shipment
	if len(shipments) == 0 || len(shipments[0].Package) == 0 {
		return ""
	}
	pkg := shipments[0].Package[0]

	if len(pkg.Activity) > 0 {
		latest := pkg.Activity[0]
		if latest.Status.Description != "" {
			if latest.Status.Code != "" {
				return fmt.Sprintf("%s (%s)", latest.Status.Description, latest.Status.Code)
			}
			return latest.Status.Description
		}
		if latest.Description != "" {
			return latest.Description
		}
	}

	if len(pkg.DeliveryDate) > 0 && pkg.DeliveryDate[0].Date != "" {
		return fmt.Sprintf("Delivered on %s", pkg.DeliveryDate[0].Date)
	}
	return pkg.CurrentStatus.Description
}

package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/callwatch/callwatch/pkg/utils"
)

// ShipmentSource looks up the aggregated shipment fields for a vendor
// call number. A nil result with no error means the vendor has no
// shipment rows for the call yet.
type ShipmentSource interface {
	Fields(ctx context.Context, vendorCallNumber string) (*ShipmentFields, error)
}

// HTTPShipmentSource fetches shipment fields from the vendor's shipment
// endpoint: GET {base}/calls/{number}/shipments returning a JSON object
// with the CSV-aggregated columns.
type HTTPShipmentSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPShipmentSource builds a source against the given base URL.
func NewHTTPShipmentSource(baseURL string) *HTTPShipmentSource {
	return &HTTPShipmentSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *HTTPShipmentSource) Fields(ctx context.Context, vendorCallNumber string) (*ShipmentFields, error) {
	endpoint := fmt.Sprintf("%s/calls/%s/shipments", s.baseURL, url.PathEscape(vendorCallNumber))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shipment lookup for %s: %w", vendorCallNumber, err)
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shipment lookup for %s: status %d", vendorCallNumber, resp.StatusCode)
	}

	var fields ShipmentFields
	if err = json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode shipment fields for %s: %w", vendorCallNumber, err)
	}
	return &fields, nil
}

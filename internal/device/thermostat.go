package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultThermostatURL     = "http://172.20.30.30/tstat"
	DefaultThermostatTimeout = 20 * time.Second

	maxStatusSize = 64 << 10
)

var ErrHTTPStatus = errors.New("unexpected http status")

// Thermostat polls a network thermostat's status endpoint.
type Thermostat struct {
	url    string
	client *http.Client
}

func NewThermostat(url string, timeout time.Duration) *Thermostat {
	if url == "" {
		url = DefaultThermostatURL
	}
	if timeout <= 0 {
		timeout = DefaultThermostatTimeout
	}
	return &Thermostat{url: url, client: &http.Client{Timeout: timeout}}
}

// Status GETs the status document.
func (t *Thermostat) Status(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build thermostat request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrHTTPStatus, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusSize))
	if err != nil {
		return nil, fmt.Errorf("read thermostat status: %w", err)
	}
	return body, nil
}

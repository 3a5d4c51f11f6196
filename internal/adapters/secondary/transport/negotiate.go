package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/goccy/go-json"
	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/core/ports"
)

// NegotiateResponse is the hub's answer to a negotiate request.
type NegotiateResponse struct {
	ConnectionID string   `json:"connectionId"`
	Transports   []string `json:"availableTransports"`
}

func (n NegotiateResponse) supports(name string) bool {
	return slices.Contains(n.Transports, name)
}

const maxNegotiateBody = 16 * 1024

// negotiate asks the hub for a connection id and its transports.
func (d *Dialer) negotiate(ctx context.Context, req ports.DialRequest) (NegotiateResponse, error) {
	domainName := req.Domain.String()
	u := d.endpoint(req.EndpointPath+"/negotiate", "")

	r, err := d.newRequest(ctx, http.MethodPost, u, req, nil)
	if err != nil {
		return NegotiateResponse{}, apperrors.NewTransportError(domainName, err)
	}
	resp, err := d.http.Do(r)
	if err != nil {
		return NegotiateResponse{}, apperrors.NewTransportError(domainName, fmt.Errorf("negotiate: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxNegotiateBody))
		return NegotiateResponse{}, statusError(domainName, "negotiate", resp.StatusCode)
	}

	var neg NegotiateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxNegotiateBody)).Decode(&neg); err != nil {
		return NegotiateResponse{}, apperrors.NewProtocolError(domainName, fmt.Errorf("negotiate response: %w", err))
	}
	if neg.ConnectionID == "" {
		return NegotiateResponse{}, apperrors.NewProtocolError(domainName, fmt.Errorf("negotiate response has no connection id"))
	}
	return neg, nil
}

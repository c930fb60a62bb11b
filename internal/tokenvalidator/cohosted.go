package tokenvalidator

import (
	"context"

	"mcp-relay/internal/oauth"
)

// CoHosted validates bearer tokens directly against the local authorization
// server's records, with no HTTP hop.
type CoHosted struct {
	server *oauth.Server
}

// NewCoHosted builds a co-hosted Validator backed by server.
func NewCoHosted(server *oauth.Server) *CoHosted {
	return &CoHosted{server: server}
}

func (v *CoHosted) Validate(ctx context.Context, token string) (Claims, error) {
	installation, active, err := v.server.Introspect(ctx, token)
	if err != nil {
		return Claims{}, err
	}
	if !active {
		return Claims{Active: false}, nil
	}
	return Claims{
		Active:   true,
		ClientID: installation.ClientID,
		Subject:  installation.UserID,
		Scope:    installation.Scope,
	}, nil
}

var _ Validator = (*CoHosted)(nil)

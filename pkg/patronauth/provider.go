// Package patronauth defines the protocol-independent patron authentication
// contract (spec.md §5): a Provider authenticates a patron against a
// specific ILS protocol and normalizes the result into catalog.PatronData,
// regardless of whether the underlying protocol is SIP2, SirsiDynix's JSON
// API, or a federated identity provider.
package patronauth

import (
	"context"

	"github.com/opdshub/circulation-core/pkg/catalog"
)

// Provider is implemented once per protocol (sip2.Provider,
// sirsidynix.Provider, oidcflow wires a different shape because it's a
// redirect flow rather than direct-credential). It mirrors
// original_source's BasicAuthenticationProvider.remote_authenticate /
// remote_patron_lookup pair.
type Provider interface {
	// RemoteAuthenticate verifies username/password against the remote ILS
	// and returns normalized patron data, or nil if the credentials were
	// rejected outright (not an error — a failed login is not exceptional).
	RemoteAuthenticate(ctx context.Context, username, password string) (*catalog.PatronData, error)

	// RemotePatronLookup refreshes patron data for an already-authenticated
	// patron, e.g. to re-check block status without asking for credentials
	// again.
	RemotePatronLookup(ctx context.Context, patron catalog.PatronData) (*catalog.PatronData, error)
}

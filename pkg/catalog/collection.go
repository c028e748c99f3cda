package catalog

import "time"

// Protocol names the upstream integration a Collection speaks.
type Protocol string

const (
	ProtocolOPDS1 Protocol = "OPDS1"
	ProtocolOPDS2 Protocol = "OPDS2+ODL"
)

// AuthType names the patron-authentication protocol a Collection (or, in
// practice, the Library that owns it) relies on.
type AuthType string

const (
	AuthSIP2        AuthType = "SIP2"
	AuthSirsiDynix  AuthType = "SirsiDynix"
	AuthBasicLocal  AuthType = "Basic-local"
	AuthOIDC        AuthType = "OIDC"
	AuthSAML        AuthType = "SAML"
)

// Collection is a named acquisition source owned by zero or more
// Libraries (spec.md §3). It owns many LicensePools.
type Collection struct {
	ID                   string
	Protocol             Protocol
	ExternalAccountID     string // default URL for Importer tasks
	CredentialsReference  string // opaque pointer into the Vault, not a secret itself
	SkippedLicenseFormats []string
	AuthType              AuthType
	LastImported          *time.Time // nil means never imported
}

// Package certificates carries the caller identity extracted from a
// validated MilleGrilles certificate chain. Validation itself (chain of
// trust, expiry, CRL) is performed by the platform validator; this
// package only models the claims the domain needs for authorization.
package certificates

// Security exchanges, ordered from least to most privileged.
const (
	ExchangePublic    = "1.public"
	ExchangePrivate   = "2.prive"
	ExchangeProtected = "3.protege"
	ExchangeSecure    = "4.secure"
)

// Certificate roles relevant to this domain.
const (
	RolePrivateUser      = "compte_prive"
	RoleWebScraper       = "web_scraper"
	RoleDatasourceMapper = "datasource_mapper"
)

// DelegationProprietaire is the global-owner delegation carried by
// admin certificates.
const DelegationProprietaire = "proprietaire"

// Claims is the parsed identity of a message sender.
type Claims struct {
	Fingerprint      string   `json:"fingerprint"`
	UserID           string   `json:"user_id,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	Exchanges        []string `json:"exchanges,omitempty"`
	DelegationGlobal string   `json:"delegation_globale,omitempty"`
	// PEM chain of the caller, used when replies or key bundles must
	// be re-encrypted for the caller.
	Chain []string `json:"chain,omitempty"`
}

// HasRole reports whether the certificate asserts the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasExchange reports whether the certificate asserts the given
// security exchange.
func (c *Claims) HasExchange(exchange string) bool {
	for _, e := range c.Exchanges {
		if e == exchange {
			return true
		}
	}
	return false
}

// HasAnyExchange reports whether the certificate asserts at least one
// of the given exchanges.
func (c *Claims) HasAnyExchange(exchanges ...string) bool {
	for _, e := range exchanges {
		if c.HasExchange(e) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the certificate carries the global-owner
// delegation.
func (c *Claims) IsAdmin() bool {
	return c.DelegationGlobal == DelegationProprietaire
}

// IsPrivateUser reports whether the caller is a private user account
// with a user id.
func (c *Claims) IsPrivateUser() bool {
	return c.HasRole(RolePrivateUser) && c.UserID != ""
}

// IsSystemModule reports whether the certificate asserts any system
// exchange.
func (c *Claims) IsSystemModule() bool {
	return c.HasAnyExchange(ExchangePublic, ExchangePrivate, ExchangeProtected, ExchangeSecure)
}

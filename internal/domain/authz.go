package domain

import (
	"context"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
)

// AuthorizeMessage is the composed admission predicate evaluated for
// every request, command and event. The caller is admitted if any of:
// private user account with a user id, system module on any exchange,
// or global-owner delegation.
func AuthorizeMessage(claims *certificates.Claims) error {
	if claims.IsPrivateUser() {
		return nil
	}
	if claims.IsSystemModule() {
		return nil
	}
	if claims.IsAdmin() {
		return nil
	}
	return bus.Errf(bus.CodeUnauthorized, "Invalid authorization")
}

// RequireScraper admits only the web_scraper role on the public
// exchange.
func RequireScraper(claims *certificates.Claims) error {
	if claims.HasRole(certificates.RoleWebScraper) && claims.HasExchange(certificates.ExchangePublic) {
		return nil
	}
	return bus.Errf(bus.CodeUnauthorized, "web_scraper role required")
}

// RequireMapper admits only the datasource_mapper role on the
// protected exchange.
func RequireMapper(claims *certificates.Claims) error {
	if claims.HasRole(certificates.RoleDatasourceMapper) && claims.HasExchange(certificates.ExchangeProtected) {
		return nil
	}
	return bus.Errf(bus.CodeUnauthorized, "datasource_mapper role required")
}

// sharedSecurityLevel reports whether a system feed at this security
// level is readable by private users when include_shared is set.
func sharedSecurityLevel(level string) bool {
	return level == certificates.ExchangePublic || level == certificates.ExchangePrivate
}

// CanAccessFeed applies the resource-scoped rule: admin matches system
// feeds, users match their own feeds (plus shared system feeds when
// includeShared), and the mapper on protected reads any non-deleted
// feed.
func CanAccessFeed(claims *certificates.Claims, feed *FeedRow, includeShared bool) bool {
	if claims.HasRole(certificates.RoleDatasourceMapper) && claims.HasExchange(certificates.ExchangeProtected) {
		return !feed.Deleted
	}
	if claims.IsAdmin() && feed.UserID == nil {
		return true
	}
	if claims.UserID != "" && feed.UserID != nil && *feed.UserID == claims.UserID {
		return true
	}
	if includeShared && claims.UserID != "" && feed.UserID == nil && sharedSecurityLevel(feed.SecurityLevel) {
		return true
	}
	return false
}

// GetAuthorizedFeed loads a feed and applies CanAccessFeed. The 404 on
// refusal is deliberate; it does not disclose existence.
func (m *Manager) GetAuthorizedFeed(ctx context.Context, feedID string, claims *certificates.Claims, includeShared bool) (*FeedRow, error) {
	feed, err := m.feeds.Get(ctx, feedID)
	if err != nil {
		if err == ErrNotFound {
			return nil, errFeedNotFound()
		}
		return nil, err
	}
	if !CanAccessFeed(claims, feed, includeShared) {
		return nil, errFeedNotFound()
	}
	return feed, nil
}

func errFeedNotFound() error {
	return bus.Errf(bus.CodeNotFound, "Feed not found / access refused")
}

// OwnerScopeFor derives the applier's ownership filter from the caller
// certificate: admins write system feeds, users write their own.
func OwnerScopeFor(claims *certificates.Claims) OwnerScope {
	if claims.IsAdmin() {
		return OwnerScope{Admin: true}
	}
	return OwnerScope{UserID: claims.UserID}
}

// FeedQueryFor derives the read-side visibility query from the caller
// certificate.
func FeedQueryFor(claims *certificates.Claims, includeShared bool, feedIDs []string) FeedQuery {
	q := FeedQuery{FeedIDs: feedIDs, UserID: claims.UserID}
	switch {
	case claims.HasRole(certificates.RoleDatasourceMapper) && claims.HasExchange(certificates.ExchangeProtected):
		q.Visibility = VisibilityAny
	case claims.IsAdmin():
		q.Visibility = VisibilityAdmin
	case includeShared:
		q.Visibility = VisibilityOwnerShared
	default:
		q.Visibility = VisibilityOwner
	}
	return q
}

// Package scope implements scope parsing, validation against supported/
// allowed lists, and OIDC claim derivation (spec.md §4.3, component C3).
package scope

import (
	"fmt"
	"strings"
)

// Parse splits s on ASCII whitespace, drops empties, preserves first-seen
// order, and deduplicates. Parse(strings.Join(scopes, " ")) is idempotent.
func Parse(s string) []string {
	fields := strings.Fields(s)
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Join renders scopes back into the space-delimited wire form.
func Join(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ValidationResult is the outcome of validating a requested scope set.
type ValidationResult struct {
	Valid bool
	Error string
}

// Validate checks that every scope in requested appears in supported.
func Validate(requested, supported []string) ValidationResult {
	allowed := toSet(supported)
	for _, s := range requested {
		if !allowed[s] {
			return ValidationResult{Valid: false, Error: fmt.Sprintf("unsupported scope: %s", s)}
		}
	}
	return ValidationResult{Valid: true}
}

// Subset reports whether every entry of requested also appears in granted;
// used to enforce refresh-grant scope narrowing (spec.md §4.3, §4.10).
func Subset(requested, granted []string) bool {
	allowed := toSet(granted)
	for _, s := range requested {
		if !allowed[s] {
			return false
		}
	}
	return true
}

func toSet(scopes []string) map[string]bool {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		set[s] = true
	}
	return set
}

// User is the minimal shape claim derivation needs from a user record.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Nickname      string
	Picture       string
	Locale        string
}

// ExtractUserClaims maps granted scopes to OIDC claim subsets. sub is
// always set by the caller (not here) to user.ID; unknown scopes
// contribute nothing.
func ExtractUserClaims(user User, scopes []string) map[string]any {
	claims := make(map[string]any)
	for _, s := range scopes {
		switch s {
		case "profile":
			claims["name"] = user.Name
			claims["given_name"] = user.GivenName
			claims["family_name"] = user.FamilyName
			claims["nickname"] = user.Nickname
			claims["picture"] = user.Picture
			claims["locale"] = user.Locale
		case "email":
			claims["email"] = user.Email
			claims["email_verified"] = user.EmailVerified
		}
	}
	return claims
}

const (
	// OpenID is the scope that triggers ID-token issuance.
	OpenID = "openid"
	// OfflineAccess is the scope that triggers refresh-token issuance.
	OfflineAccess = "offline_access"
)

// Contains reports whether scopes includes target.
func Contains(scopes []string, target string) bool {
	for _, s := range scopes {
		if s == target {
			return true
		}
	}
	return false
}

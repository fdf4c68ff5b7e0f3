// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authserver

import (
	"fmt"
	"time"

	"github.com/coreauth/authserver/internal/logger"
)

// Config is the pure configuration for the OAuth authorization server. All
// values must be fully resolved (no file paths, no env vars).
type Config struct {
	// Issuer is the issuer identifier included in the "iss" claim of every
	// token this server mints.
	Issuer string

	// AccessTokenLifespan is the duration access tokens are valid. Zero
	// defaults to 1 hour.
	AccessTokenLifespan time.Duration

	// RefreshTokenLifespan is the duration refresh tokens are valid. Zero
	// defaults to 7 days.
	RefreshTokenLifespan time.Duration

	// AuthCodeLifespan is the duration authorization codes are valid. Zero
	// defaults to 10 minutes.
	AuthCodeLifespan time.Duration

	// SupportedScopes bounds every scope the server will grant.
	SupportedScopes []string

	// SupportedGrantTypes bounds the grant_type values the token endpoint
	// accepts.
	SupportedGrantTypes []string

	// SupportedResponseTypes bounds the response_type values the authorize
	// endpoint accepts.
	SupportedResponseTypes []string

	// RotateRefreshTokens enables refresh-token rotation on use.
	RotateRefreshTokens bool

	// ClockSkew is the tolerance applied to exp/iss validation.
	ClockSkew time.Duration

	// Clients is the list of pre-registered OAuth clients seeded at startup
	// in addition to whatever dynamic registration later adds.
	Clients []ClientConfig

	RateLimit RateLimitConfig
	Failban   FailbanConfig
	Lockout   LockoutConfig
}

// ClientConfig defines a pre-registered OAuth client.
type ClientConfig struct {
	ID            string
	Secret        string
	RedirectURIs  []string
	Public        bool
	AllowedScopes []string
	GrantTypes    []string
}

// RateLimitConfig configures the three named Rate Limiter instances
// (spec.md §4.7).
type RateLimitConfig struct {
	LoginMax        int
	LoginWindow     time.Duration
	TokenMax        int
	TokenWindow     time.Duration
	AuthorizeMax    int
	AuthorizeWindow time.Duration
}

// FailbanConfig configures the Failban Manager (spec.md §4.8).
type FailbanConfig struct {
	MaxViolations     int
	ViolationWindow   time.Duration
	BanDuration       time.Duration
	Whitelist         []string
	Blacklist         []string
	PersistViolations bool
}

// LockoutConfig configures Account Lockout (spec.md §4.9).
type LockoutConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	ResetOnSuccess  bool
}

// MinSecretLength is the minimum required length for a client secret in
// bytes, per OWASP/NIST guidance for symmetric secrets.
const MinSecretLength = 32

// Validate checks that the Config is internally consistent. Prevents
// startup (spec.md §8 "Configuration (startup-only)").
func (c *Config) Validate() error {
	logger.Debugw("validating authserver config", "issuer", c.Issuer)

	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if len(c.SupportedScopes) == 0 {
		return fmt.Errorf("at least one supported scope is required")
	}

	for i, client := range c.Clients {
		if err := client.Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
	}

	logger.Debugw("authserver config validation passed",
		"issuer", c.Issuer,
		"clientCount", len(c.Clients),
	)
	return nil
}

// Validate checks that the ClientConfig is valid.
func (c *ClientConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect_uri is required")
	}
	if !c.Public && len(c.Secret) < MinSecretLength {
		return fmt.Errorf("confidential clients require a secret of at least %d bytes", MinSecretLength)
	}
	return nil
}

// applyDefaults fills unset durations and lists with the server's defaults.
func (c *Config) applyDefaults() {
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = time.Hour
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = 24 * time.Hour * 7
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = 10 * time.Minute
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = 60 * time.Second
	}
	if len(c.SupportedGrantTypes) == 0 {
		c.SupportedGrantTypes = []string{"client_credentials", "authorization_code", "refresh_token", "password"}
	}
	if len(c.SupportedResponseTypes) == 0 {
		c.SupportedResponseTypes = []string{"code"}
	}
	logger.Debugw("applied default values to authserver config",
		"accessTokenLifespan", c.AccessTokenLifespan,
		"refreshTokenLifespan", c.RefreshTokenLifespan,
		"authCodeLifespan", c.AuthCodeLifespan,
	)
}

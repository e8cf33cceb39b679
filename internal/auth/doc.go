// ABOUTME: Package documentation for the auth package
// ABOUTME: Describes JWT verification and HTTP middleware

// Package auth provides optional bearer-token authentication for the
// HTTP API. Tokens are HS256-signed JWTs verified against a shared
// secret from the configuration; when no secret is configured the API
// runs unauthenticated.
package auth

// Package auth issues and checks the bearer tokens that guard the HTTP API.
//
// Tokens are HS256 JWTs signed with the api.auth.jwt_secret setting. Each
// carries a subject and one of three roles:
//   - viewer reads devices, gateways and status
//   - operator also writes capabilities and runs actions
//   - admin also changes device settings, the gatewaysList and pairs gateways
//
// There is no user store. Tokens are minted with `miiobridge token` and
// handed to the controller or dashboard that needs them.
package auth

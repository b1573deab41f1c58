// Package api handles the relay's HTTP surface: task intake, provider
// webhooks, scheduler callbacks and operator endpoints. Handlers translate
// HTTP concerns to service calls and map service errors to stable error
// codes. The /v1 reverse proxy lives in package proxy.
package api

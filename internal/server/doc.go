// Package server provides the HTTP layer: the /ws upgrade endpoint with
// connection limiting, plus health and metrics routes.
package server

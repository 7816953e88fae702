// Package model defines shared types for the relay and the upstream client.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// RelayRequest is an inbound relay call to be forwarded to its target.
type RelayRequest struct {
	Ctx    context.Context
	Method string
	// RawTarget is the still-escaped path suffix after the relay prefix.
	RawTarget string
	Query     url.Values
	Header    http.Header
	Body      io.ReadCloser
}

// UpstreamResponse is an upstream response to be read or streamed back.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// URL is the final URL after redirects.
	URL string
}

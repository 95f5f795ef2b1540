// Package filters defines the decoder/encoder filter chain types shared by
// the router and its hosts. See stream.go for the Stream type that drives
// a chain over one request/response exchange.
package filters

// Package router owns an UpstreamRequest against a pooled connection on
// behalf of a decoded message, and is itself the terminal decoder filter in
// a chain.
package router

import (
	"fmt"

	"github.com/zhaohuabing/meta-protocol-proxy/filters"
)

// Code enumerates the reasons a request never makes it to, or never gets a
// reply from, an upstream.
type Code int

const (
	Unspecified Code = iota
	RouteNotFound
	ClusterNotFound
	ClusterMaintenance
	NoHealthyUpstream
	PoolOverflow
	PoolTimeout
	LocalConnFailure
	RemoteConnFailure
	CodecError
	RateLimited
)

func (c Code) String() string {
	switch c {
	case RouteNotFound:
		return "route_not_found"
	case ClusterNotFound:
		return "unknown_cluster"
	case ClusterMaintenance:
		return "cluster_in_maintenance_mode"
	case NoHealthyUpstream:
		return "no_healthy_upstream"
	case PoolOverflow:
		return "overflow"
	case PoolTimeout:
		return "timeout"
	case LocalConnFailure:
		return "local_connection_failure"
	case RemoteConnFailure:
		return "remote_connection_failure"
	case CodecError:
		return "codec_error"
	case RateLimited:
		return "rate_limited"
	default:
		return "unspecified"
	}
}

// Failure is used to wrap errors produced while routing or proxying a
// message, and to indicate the DirectResponse that should be sent
// downstream in its place. Alternatively, Handled marks that a reply was
// already sent through some other path (e.g. a filter's own
// SendLocalReply) and the caller should stop without sending anything else.
type Failure struct {
	Code    Code
	Err     error
	Handled bool
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	if f.Handled {
		return "request handled in a non-standard way"
	}
	return fmt.Sprintf("router error: %s", f.Code)
}

// ResponseCodeDetail returns the stable, machine-readable detail string
// for this failure's code, suitable for putting in an access log or a
// DirectResponse.
func (f *Failure) ResponseCodeDetail() string {
	return f.Code.String()
}

// responseType maps a failure code to the DirectResponse type it should
// produce: a connectivity/codec problem is an Exception, everything else
// that still deserves a reply is an ErrorReply.
func (f *Failure) responseType() filters.ResponseType {
	switch f.Code {
	case PoolOverflow, PoolTimeout, LocalConnFailure, RemoteConnFailure, CodecError:
		return filters.Exception
	default:
		return filters.ErrorReply
	}
}

// DirectResponse builds the reply this failure should produce downstream.
func (f *Failure) DirectResponse() filters.DirectResponse {
	return filters.DirectResponse{Type: f.responseType()}
}

// connectionFailureMessage words each pool failure reason and host the way
// an application exception names it. The router writes it to its log
// lines; the DirectResponse sent downstream does not include it.
func connectionFailureMessage(code Code, host string) string {
	switch code {
	case PoolTimeout:
		return fmt.Sprintf("connection failure '%s' due to timeout", host)
	case LocalConnFailure:
		return fmt.Sprintf("connection failure '%s' due to local connection failure", host)
	case RemoteConnFailure:
		return fmt.Sprintf("connection failure '%s' due to remote connection failure", host)
	default:
		return fmt.Sprintf("connection failure '%s'", host)
	}
}

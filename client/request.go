package client

import (
	"context"

	"github.com/mbocsi/smartpower/proto"
)

// Request tracks one command until the device acknowledges it.
type Request struct {
	ID   uint32
	Kind proto.Kind

	client  *Client
	done    chan struct{}
	err     error
	onReply func(error)
}

func newRequest(c *Client, id uint32, kind proto.Kind, onReply func(error)) *Request {
	return &Request{
		ID:      id,
		Kind:    kind,
		client:  c,
		done:    make(chan struct{}),
		onReply: onReply,
	}
}

func failedRequest(kind proto.Kind, err error) *Request {
	r := &Request{Kind: kind, done: make(chan struct{})}
	r.finish(err)
	return r
}

// finish completes r. It runs exactly once, with the owning client's lock
// held when r was in the correlation table.
func (r *Request) finish(err error) {
	r.err = err
	if r.onReply != nil {
		r.onReply(err)
	}
	close(r.done)
}

// Done is closed once the request has an outcome.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome, or nil while the request is outstanding. A
// device rejection is a *ResponseError.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the device replies, the connection fails, or ctx ends.
// Giving up on ctx removes the request from the session.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
	}
	if r.client != nil {
		r.client.forget(r, ctx.Err())
	}
	<-r.done
	return r.err
}

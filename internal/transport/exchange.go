package transport

import (
	"context"
	"errors"
	"time"

	"xllm-go/internal/diag"
	"xllm-go/internal/model"
)

// State is a step of one relay exchange.
type State int

// Exchange states, in the order a successful exchange visits them.
const (
	AwaitRequest State = iota
	Decode
	Forward
	Encode
	SendResponse
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitRequest:
		return "await_request"
	case Decode:
		return "decode"
	case Forward:
		return "forward"
	case Encode:
		return "encode"
	case SendResponse:
		return "send_response"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result describes how an exchange ended.
type Result struct {
	// Reply is written back to the peer. It is nil when nothing should be
	// sent, as for an empty request.
	Reply []byte
	// State is Done or Failed.
	State State
	// FailedIn is the state the exchange failed in. Zero when it succeeded.
	FailedIn State
	// Err is the failure, if any.
	Err error
	// Request is the decoded request, when decoding got that far.
	Request *model.Request
	// Response is the forwarded response, when forwarding succeeded.
	Response *model.Response
}

// Exchange runs one request through decode, forward and encode. Every failure
// after decoding started produces a failure reply from t; an empty request
// produces none. Exchange never panics on bad input and never returns a partial
// reply.
func Exchange(ctx context.Context, t Transport, fwd Forwarder, sink diag.Sink, in []byte, peer string) Result {
	start := time.Now()
	mode := string(t.Mode())
	ev := diag.Event{Transport: mode, Peer: peer}

	fail := func(state State, kind diag.Kind, err error) Result {
		e := ev
		e.Kind = kind
		e.Err = err
		e.Duration = time.Since(start)
		sink.Emit(ctx, e)
		reply, encErr := t.EncodeFailure(err)
		if encErr != nil {
			reply = nil
		}
		return Result{Reply: reply, State: Failed, FailedIn: state, Err: err}
	}

	req, err := t.DecodeRequest(in)
	if errors.Is(err, model.ErrEmptyRequest) {
		e := ev
		e.Kind = diag.EmptyRequest
		sink.Emit(ctx, e)
		return Result{State: Failed, FailedIn: AwaitRequest, Err: err}
	}
	if err != nil {
		return fail(Decode, diag.DecodeFailed, err)
	}
	ev.Method = string(req.Method)
	ev.URL = req.URL

	resp, err := fwd.Execute(ctx, req)
	if err != nil {
		r := fail(Forward, diag.ForwardFailed, err)
		r.Request = req
		return r
	}
	ev.Status = resp.StatusCode

	out, err := t.EncodeResponse(resp)
	if err != nil {
		r := fail(Encode, diag.EncodeFailed, err)
		r.Request = req
		return r
	}

	e := ev
	e.Kind = diag.ExchangeCompleted
	e.Duration = time.Since(start)
	sink.Emit(ctx, e)
	return Result{Reply: out, State: Done, Request: req, Response: resp}
}

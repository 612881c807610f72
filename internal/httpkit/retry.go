package httpkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"
)

// retrier replays requests that failed at the connect stage. It wraps the
// identity transport so replayed requests keep their stamped headers.
type retrier struct {
	next http.RoundTripper
	max  int
	wait time.Duration
	log  *slog.Logger
}

func (r *retrier) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	if err == nil || !connectFailure(err) || !rewindable(req) {
		return resp, err
	}

	first := err
	for attempt := 1; attempt <= r.max; attempt++ {
		if r.log != nil {
			r.log.Debug("retrying after connect failure",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt,
				"max", r.max,
				"error", err,
			)
		}

		if werr := pause(req.Context(), r.wait); werr != nil {
			return nil, werr
		}

		replay, rerr := rewind(req)
		if rerr != nil {
			return nil, rerr
		}

		resp, err = r.next.RoundTrip(replay)
		if err == nil {
			if r.log != nil {
				r.log.Info("request recovered after retry",
					"method", req.Method,
					"url", req.URL.String(),
					"attempts", attempt+1,
					"first_error", first.Error(),
				)
			}
			return resp, nil
		}
		if !connectFailure(err) {
			return resp, err
		}
	}

	return resp, err
}

// rewindable reports whether req can be sent a second time. Bodyless
// requests always can; anything else needs GetBody.
func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// rewind clones req with a fresh body for the next attempt.
func rewind(req *http.Request) (*http.Request, error) {
	replay := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("retry: rewind body: %w", err)
		}
		replay.Body = body
	}
	return replay, nil
}

// pause sleeps for d or until ctx is done, whichever comes first.
func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// connectFailure reports whether err happened before any byte reached the
// server. errors.As walks the net.OpError and os.SyscallError wrapping, so
// one check covers the usual chains. ECONNRESET stays out: a reset can
// arrive after the server already acted on the request, and replaying it
// would risk duplicate side effects.
func connectFailure(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

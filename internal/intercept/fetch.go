package intercept

import (
	"net/http"
)

// roundTripper wraps the promise-style entry point.
type roundTripper struct {
	next http.RoundTripper
	ic   *Interceptor
}

// RoundTrip forwards req unchanged and returns the original result as soon as
// it settles. For a matched call the body is split so a detached task can read
// its own copy; the caller's body yields the same bytes.
func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.next == nil {
		return nil, errNoFetchEntry
	}

	resp, err := rt.next.RoundTrip(req)
	if err != nil || resp == nil || rt.ic.disposed.Load() {
		return resp, err
	}

	target, _ := requestTarget(req)
	call := InterceptedCall{
		ID:   NewCallID(),
		URL:  target,
		Kind: PromiseStyle,
	}
	if req != nil {
		call.Method = req.Method
		if call.Method == "" {
			call.Method = http.MethodGet
		}
	}

	matches := rt.ic.classify(call)
	if len(matches) == 0 {
		return resp, nil
	}

	// An upgraded connection keeps its writable body; only the match is relayed.
	if resp.Body == nil || resp.Body == http.NoBody || resp.StatusCode == http.StatusSwitchingProtocols {
		rt.ic.spawn(func() {
			rt.ic.relayAll(call, matches, func() (string, error) { return "", nil })
		})
		return resp, nil
	}

	primary, clone := teeBody(resp.Body)
	resp.Body = primary
	contentType := resp.Header.Get("Content-Type")
	limit := rt.ic.maxPayload

	rt.ic.spawn(func() {
		defer clone.Close()
		rt.ic.relayAll(call, matches, func() (string, error) {
			return readPayload(clone, limit, contentType)
		})
	})

	return resp, nil
}

package release

import "context"

// Trace is a set of hooks the Fetcher calls while it resolves one manifest.
// Hooks run synchronously on the goroutine that called Fetch or Reparse.
// Any field may be nil.
type Trace struct {
	// Downloaded is called once the manifest body for name is read, from
	// the network or the cache, and before it is parsed.
	Downloaded func(name, url string)

	// ParseDone is called after parsing with the projected codename, or
	// with the parse error.
	ParseDone func(name, codename string, err error)
}

type traceKey struct{}

// WithTrace returns a context that makes the Fetcher report to t.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

func traceFrom(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}

func (t *Trace) downloaded(name, url string) {
	if t != nil && t.Downloaded != nil {
		t.Downloaded(name, url)
	}
}

func (t *Trace) parseDone(name, codename string, err error) {
	if t != nil && t.ParseDone != nil {
		t.ParseDone(name, codename, err)
	}
}

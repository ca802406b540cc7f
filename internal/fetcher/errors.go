package fetcher

import "fmt"

type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindHTTP
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTP:
		return "http_error"
	case KindNetwork:
		return "network_error"
	default:
		return "unknown"
	}
}

// FetchError is the classified failure of a fetch attempt.
type FetchError struct {
	Kind Kind
	// Status is set for KindHTTP.
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindHTTP:
		return fmt.Sprintf("fetch failed: http status %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch failed (%s)", e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

package forecast

import "fmt"

// RequestError is a transport failure or a non-2xx response
type RequestError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Body != "" {
		return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unexpected status code %d", e.StatusCode)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a later request may succeed
func (e *RequestError) IsTransient() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ResponseError means the body did not have the expected shape
type ResponseError struct {
	Path string
	Err  error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed forecast response at %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("malformed forecast response: missing %s", e.Path)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// IsTransient returns false; the response shape is assumed stable
func (e *ResponseError) IsTransient() bool {
	return false
}

package httputil

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrHTTPStatus int

func (s ErrHTTPStatus) Error() string {
	return fmt.Sprintf("unexpected status code: %d", s)
}

func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return ErrHTTPStatus(resp.StatusCode)
}

// IsStatus reports whether err carries the given HTTP status code.
func IsStatus(err error, code int) bool {
	var errStatus ErrHTTPStatus
	return errors.As(err, &errStatus) && int(errStatus) == code
}

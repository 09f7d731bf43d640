package iris

import (
	"errors"
	"fmt"
)

// ErrRateLimited is returned when the client-side request budget for the
// current minute is exhausted. Callers retry on the next cycle; it is not
// worth an error-level log line.
var ErrRateLimited = errors.New("rate limit reached")

// StationNotFoundError is permanent: the station pattern resolves to
// nothing upstream and retrying will not fix it.
type StationNotFoundError struct {
	Pattern string
}

func (e *StationNotFoundError) Error() string {
	return fmt.Sprintf("station does not exist: %s", e.Pattern)
}

// InvalidResponseError is a non-200 upstream response.
type InvalidResponseError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *InvalidResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("invalid response (%d) %s", e.StatusCode, e.URL)
	}

	return fmt.Sprintf("invalid response (%d) %s: %s", e.StatusCode, e.URL, e.Body)
}

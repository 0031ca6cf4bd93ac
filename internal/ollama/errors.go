package ollama

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnreachable reports that the upstream server could not be contacted.
	ErrUnreachable = errors.New("ollama: server unreachable")

	// ErrModelListFailed reports that the model listing failed after all retries.
	ErrModelListFailed = errors.New("ollama: model listing failed")

	// ErrStreamClosed reports a read from a stream closed before it ended.
	ErrStreamClosed = errors.New("ollama: stream closed")
)

// StatusError reports a non-success HTTP status from the upstream API.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("ollama: %s returned status %d: %s", e.Endpoint, e.Code, e.Body)
	}
	return fmt.Sprintf("ollama: %s returned status %d", e.Endpoint, e.Code)
}

var _ error = (*StatusError)(nil)

// isNotFound reports whether err carries a 404 from the upstream.
func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

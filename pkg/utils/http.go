package utils

import "io"

// DrainAndClose consumes whatever is left in the body before closing it,
// so the underlying transport can reuse the connection.
func DrainAndClose(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

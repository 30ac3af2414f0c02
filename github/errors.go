package github

import (
	"fmt"
)

// StatusError is returned for any response outside the 2xx range. The
// URL is stripped of its query so signed download parameters never end
// up in logs.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
}

// ContentTypeError is returned when a JSON endpoint answers with
// something other than JSON, usually a proxy or an HTML error page.
type ContentTypeError struct {
	URL         string
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("%s: unexpected content-type %q", e.URL, e.ContentType)
}

package activity

import (
	"net/http"
	"strings"
)

// ClassifyRequest derives the action and resource names recorded for an HTTP
// request. The action follows the method (read, create, update, delete); the
// resource is the first path segment after an optional /api prefix and
// version segment.
func ClassifyRequest(method, path string) (action, resource string) {
	switch method {
	case http.MethodGet, http.MethodHead:
		action = "read"
	case http.MethodPost:
		action = "create"
	case http.MethodPut, http.MethodPatch:
		action = "update"
	case http.MethodDelete:
		action = "delete"
	default:
		action = strings.ToLower(method)
	}

	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	if len(segments) > 0 && segments[0] == "api" {
		segments = segments[1:]
	}
	if len(segments) > 0 && isVersionSegment(segments[0]) {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return action, "root"
	}
	return action, segments[0]
}

func isVersionSegment(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

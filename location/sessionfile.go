package location

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
)

// LoadSessionHeaders reads a recorded real-session header set from a file.
// Three formats are supported:
//   - HAR (JSON with log.entries): headers of the last request to host,
//     the entry with the most complete cookies.
//   - cURL: a "Copy as cURL" command; -H "Name: value" pairs are parsed.
//   - Plain: one "Name: value" per line, # comments allowed.
//
// The returned headers replace the synthetic browser header set for direct
// fetches, so requests replay a genuine session.
func LoadSessionHeaders(path, host string) (http.Header, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("session file %s is empty", path)
	}

	if strings.HasPrefix(text, "{") {
		headers, ok := harHeaders(text, host)
		if !ok {
			return nil, fmt.Errorf("session file %s has no usable request for host %s", path, host)
		}
		return headers, nil
	}

	var headers http.Header
	if strings.HasPrefix(text, "curl ") {
		headers = curlHeaders(text)
	} else {
		headers = plainHeaders(text)
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("session file %s yielded no headers", path)
	}
	return headers, nil
}

type harFile struct {
	Log struct {
		Entries []struct {
			Request struct {
				URL     string `json:"url"`
				Headers []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"headers"`
				Cookies []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"cookies"`
			} `json:"request"`
		} `json:"entries"`
	} `json:"log"`
}

func harHeaders(text, host string) (http.Header, bool) {
	var har harFile
	if err := json.Unmarshal([]byte(text), &har); err != nil {
		return nil, false
	}

	// The last matching request carries the most recent cookies.
	idx := -1
	for i, entry := range har.Log.Entries {
		if strings.Contains(entry.Request.URL, host) {
			idx = i
		}
	}
	if idx < 0 {
		return nil, false
	}
	req := har.Log.Entries[idx].Request

	headers := http.Header{}
	for _, h := range req.Headers {
		name := strings.TrimSpace(h.Name)
		// HTTP/2 pseudo-headers (:authority, :method, ...) are not sendable.
		if name == "" || strings.HasPrefix(name, ":") {
			continue
		}
		headers.Set(name, strings.TrimSpace(h.Value))
	}
	// Chrome sometimes omits the Cookie header but records request.cookies.
	if len(req.Cookies) > 0 {
		parts := make([]string, 0, len(req.Cookies))
		for _, c := range req.Cookies {
			if c.Name == "" {
				continue
			}
			parts = append(parts, c.Name+"="+c.Value)
		}
		if len(parts) > 0 {
			headers.Set("Cookie", strings.Join(parts, "; "))
		}
	}
	if len(headers) == 0 {
		return nil, false
	}
	return headers, true
}

var curlHeaderRe = regexp.MustCompile(`-H\s+["']([^:]+):\s*([^"']*)["']`)

func curlHeaders(text string) http.Header {
	// Windows "Copy as cURL" escapes quotes with carets.
	text = strings.ReplaceAll(text, `^\^"`, `"`)
	text = strings.ReplaceAll(text, `^"`, `"`)

	headers := http.Header{}
	for _, m := range curlHeaderRe.FindAllStringSubmatch(text, -1) {
		key := strings.TrimSpace(m[1])
		if key == "" {
			continue
		}
		headers.Set(key, strings.TrimSpace(m[2]))
	}
	return headers
}

func plainHeaders(text string) http.Header {
	headers := http.Header{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		headers.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return headers
}

package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Request describes one API call. A Request is not modified by the Session and
// may be executed more than once.
type Request struct {
	Method string

	// URL is absolute, or relative to the session base URL.
	URL string

	Query  url.Values
	Header http.Header

	// Body is encoded as JSON when non-nil. json.RawMessage and []byte are sent as is.
	Body any

	// Cacheable marks GETs of slowly changing resources for the response cache.
	Cacheable bool
}

// NewRequest creates a request for method and url.
func NewRequest(method, url string) *Request {
	return &Request{Method: method, URL: url}
}

// WithQuery returns a copy of r with the query parameters added.
func (r *Request) WithQuery(query url.Values) *Request {
	c := *r
	c.Query = url.Values{}
	for k, v := range r.Query {
		c.Query[k] = append([]string(nil), v...)
	}
	for k, v := range query {
		c.Query[k] = append(c.Query[k], v...)
	}
	return &c
}

// encodeBody returns the JSON body bytes, or nil for no body.
func (r *Request) encodeBody() ([]byte, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return data, nil
	}
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// URL is the final request URL.
	URL string

	// FromCache is true when the body came from the response cache.
	FromCache bool
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response from %s: empty body", r.URL)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response from %s: %w", r.URL, err)
	}
	return nil
}

// Package envelope implements the uniform {statusCode, headers, body}
// response shape shared by the gateway and backend handlers.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Body is either a RawBody (a string, usually serialized JSON) or a
// StructuredBody (a decoded JSON object).
type Body interface {
	isBody()
}

type RawBody string

type StructuredBody map[string]interface{}

func (RawBody) isBody()        {}
func (StructuredBody) isBody() {}

type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       Body              `json:"body"`
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

// OK wraps an already structured success body.
func OK(body map[string]interface{}) Response {
	return Response{StatusCode: http.StatusOK, Headers: jsonHeaders(), Body: StructuredBody(body)}
}

// Serialized builds the backend-handler form, where body is a JSON string.
func Serialized(status int, v interface{}) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
		status = http.StatusInternalServerError
	}
	return Response{StatusCode: status, Headers: jsonHeaders(), Body: RawBody(raw)}
}

func Error(status int, msg string) Response {
	return Response{StatusCode: status, Headers: jsonHeaders(), Body: StructuredBody{"error": msg}}
}

// Structured decodes a RawBody holding a JSON object. Anything else is
// returned unchanged; failure to decode is never an error.
func (r Response) Structured() Response {
	raw, ok := r.Body.(RawBody)
	if !ok {
		return r
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return r
	}
	r.Body = StructuredBody(obj)
	return r
}

// ErrorMessage returns the "error" field of a structured error body.
func (r Response) ErrorMessage() string {
	if body, ok := r.Body.(StructuredBody); ok {
		if msg, ok := body["error"].(string); ok {
			return msg
		}
	}
	return ""
}

func (r Response) MarshalJSON() ([]byte, error) {
	type wire struct {
		StatusCode int               `json:"statusCode"`
		Headers    map[string]string `json:"headers"`
		Body       interface{}       `json:"body"`
	}
	out := wire{StatusCode: r.StatusCode, Headers: r.Headers}
	if out.Headers == nil {
		out.Headers = jsonHeaders()
	}
	switch b := r.Body.(type) {
	case nil:
		out.Body = nil
	case RawBody:
		out.Body = string(b)
	case StructuredBody:
		out.Body = map[string]interface{}(b)
	}
	return json.Marshal(out)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var wire struct {
		StatusCode *int              `json:"statusCode"`
		Headers    map[string]string `json:"headers"`
		Body       json.RawMessage   `json:"body"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Response{Headers: wire.Headers, StatusCode: http.StatusOK}
	if wire.StatusCode != nil {
		r.StatusCode = *wire.StatusCode
	}
	if len(wire.Body) == 0 || string(wire.Body) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(wire.Body, &s); err == nil {
		r.Body = RawBody(s)
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(wire.Body, &obj); err == nil {
		r.Body = StructuredBody(obj)
		return nil
	}
	r.Body = RawBody(wire.Body)
	return nil
}

var ErrNotEnvelope = errors.New("handler response is not an envelope")

// Decode parses a raw handler reply. A JSON object without statusCode is
// accepted as a 200 whose body is the object itself.
func Decode(raw []byte) (Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if _, ok := probe["statusCode"]; !ok {
		var obj map[string]interface{}
		_ = json.Unmarshal(raw, &obj)
		return Response{StatusCode: http.StatusOK, Headers: jsonHeaders(), Body: StructuredBody(obj)}, nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNotEnvelope, err)
	}
	if resp.Headers == nil {
		resp.Headers = jsonHeaders()
	}
	return resp, nil
}

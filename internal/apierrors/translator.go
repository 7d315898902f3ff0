// Package apierrors translates upstream model provider failures into the
// OpenAI-compatible error taxonomy returned to proxy clients.
package apierrors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// ErrorType is the closed set of client-facing error categories.
type ErrorType string

const (
	TypeAuthentication ErrorType = "authentication_error"
	TypePermission     ErrorType = "permission_error"
	TypeNotFound       ErrorType = "not_found_error"
	TypeRateLimit      ErrorType = "rate_limit_error"
	TypeInvalidRequest ErrorType = "invalid_request_error"
	TypeTimeout        ErrorType = "timeout_error"
	TypeAPI            ErrorType = "api_error"
)

// Details is the normalized view of an upstream failure.
type Details struct {
	// Code is a provider string code such as "invalid_grant", if one was found.
	Code string
	// Status is a canonical status string such as "RESOURCE_EXHAUSTED".
	Status string
	// HTTPStatus is the numeric status reported by the provider, 0 if unknown.
	HTTPStatus int
	// Message is the human-readable message.
	Message string
	// Raw is the original error text.
	Raw string
}

// ErrorBody is the inner object of an OpenAI-style error envelope.
type ErrorBody struct {
	Message string    `json:"message"`
	Type    ErrorType `json:"type"`
	Code    *string   `json:"code"`
	Param   *string   `json:"param"`
}

// Envelope is the JSON body returned for failed non-streaming requests.
type Envelope struct {
	Error ErrorBody `json:"error"`
}

// StreamErrorEvent is emitted as the final SSE event when a stream fails.
type StreamErrorEvent struct {
	ID      string    `json:"id"`
	Object  string    `json:"object"`
	Created int64     `json:"created"`
	Error   ErrorBody `json:"error"`
}

// rawPayload covers both shapes providers put in error text:
// {"error":"invalid_grant","error_description":"..."} and
// {"error":{"code":403,"message":"...","status":"PERMISSION_DENIED"}}.
type rawPayload struct {
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Message          string          `json:"message"`
}

type rawErrorObject struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
}

// Parse extracts structured details from an arbitrary error. It never panics;
// unrecognized errors become a generic internal error carrying the raw text.
func Parse(err error) Details {
	if err == nil {
		return Details{Status: "INTERNAL", Message: "unknown error"}
	}
	raw := err.Error()

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(apiErr, raw)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return fromAPIError(*apiErrPtr, raw)
	}

	if d, ok := parseJSONPayload(raw); ok {
		d.Raw = raw
		return d
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Details{Status: "DEADLINE_EXCEEDED", HTTPStatus: http.StatusGatewayTimeout, Message: raw, Raw: raw}
	}

	return Details{Status: "INTERNAL", Message: raw, Raw: raw}
}

func fromAPIError(apiErr genai.APIError, raw string) Details {
	msg := apiErr.Message
	if msg == "" {
		msg = raw
	}
	return Details{
		Status:     apiErr.Status,
		HTTPStatus: apiErr.Code,
		Message:    msg,
		Raw:        raw,
	}
}

func parseJSONPayload(raw string) (Details, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Details{}, false
	}

	var payload rawPayload
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return Details{}, false
	}
	if len(payload.Error) == 0 {
		return Details{}, false
	}

	var code string
	if err := json.Unmarshal(payload.Error, &code); err == nil {
		msg := payload.ErrorDescription
		if msg == "" {
			msg = payload.Message
		}
		if msg == "" {
			msg = code
		}
		return Details{Code: code, Message: msg}, true
	}

	var obj rawErrorObject
	if err := json.Unmarshal(payload.Error, &obj); err != nil {
		return Details{}, false
	}
	d := Details{Status: obj.Status, Message: obj.Message}
	if len(obj.Code) > 0 {
		var n int
		if err := json.Unmarshal(obj.Code, &n); err == nil {
			d.HTTPStatus = n
		} else {
			var s string
			if err := json.Unmarshal(obj.Code, &s); err == nil {
				if n, convErr := strconv.Atoi(s); convErr == nil {
					d.HTTPStatus = n
				} else {
					d.Code = s
				}
			}
		}
	}
	if d.Message == "" {
		d.Message = strings.TrimSpace(raw)
	}
	return d, true
}

var statusTypes = map[string]ErrorType{
	"UNAUTHENTICATED":     TypeAuthentication,
	"PERMISSION_DENIED":   TypePermission,
	"NOT_FOUND":           TypeNotFound,
	"RESOURCE_EXHAUSTED":  TypeRateLimit,
	"INVALID_ARGUMENT":    TypeInvalidRequest,
	"FAILED_PRECONDITION": TypeInvalidRequest,
	"OUT_OF_RANGE":        TypeInvalidRequest,
	"DEADLINE_EXCEEDED":   TypeTimeout,
}

var codeTypes = map[string]ErrorType{
	"invalid_grant":   TypeAuthentication,
	"invalid_token":   TypeAuthentication,
	"unauthorized":    TypeAuthentication,
	"unauthenticated": TypeAuthentication,
	"access_denied":   TypePermission,
	"forbidden":       TypePermission,
	"not_found":       TypeNotFound,
	"rate_limited":    TypeRateLimit,
	"invalid_request": TypeInvalidRequest,
	"timeout":         TypeTimeout,
}

var httpTypes = map[int]ErrorType{
	http.StatusUnauthorized:        TypeAuthentication,
	http.StatusForbidden:           TypePermission,
	http.StatusNotFound:            TypeNotFound,
	http.StatusTooManyRequests:     TypeRateLimit,
	http.StatusBadRequest:          TypeInvalidRequest,
	http.StatusUnprocessableEntity: TypeInvalidRequest,
	http.StatusGatewayTimeout:      TypeTimeout,
	http.StatusRequestTimeout:      TypeTimeout,
}

// Classify maps an error onto the fixed client-facing taxonomy.
func Classify(err error) ErrorType {
	return classifyDetails(Parse(err))
}

func classifyDetails(d Details) ErrorType {
	if t, ok := statusTypes[strings.ToUpper(d.Status)]; ok {
		return t
	}
	if t, ok := codeTypes[strings.ToLower(d.Code)]; ok {
		return t
	}
	if t, ok := httpTypes[d.HTTPStatus]; ok {
		return t
	}
	return TypeAPI
}

// HTTPStatus returns the response status used for an error of the given class.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ExtractCode returns the most specific code available: a provider string
// code, then the canonical status, then the numeric HTTP status.
func ExtractCode(err error) string {
	d := Parse(err)
	switch {
	case d.Code != "":
		return d.Code
	case d.Status != "":
		return d.Status
	case d.HTTPStatus != 0:
		return strconv.Itoa(d.HTTPStatus)
	default:
		return ""
	}
}

// IsAuthenticationError reports whether err is a credential failure, so
// callers can suggest refreshing application default credentials.
func IsAuthenticationError(err error) bool {
	return Classify(err) == TypeAuthentication
}

func body(err error) ErrorBody {
	d := Parse(err)
	b := ErrorBody{
		Message: d.Message,
		Type:    classifyDetails(d),
	}
	if code := ExtractCode(err); code != "" {
		b.Code = &code
	}
	return b
}

// ToErrorEnvelope builds the {"error":{...}} body for a failed request.
func ToErrorEnvelope(err error) Envelope {
	return Envelope{Error: body(err)}
}

// ToStreamErrorEvent builds the terminal SSE event for a failed stream.
func ToStreamErrorEvent(err error) StreamErrorEvent {
	return StreamErrorEvent{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "error",
		Created: time.Now().Unix(),
		Error:   body(err),
	}
}

// InvalidRequest builds an envelope for request validation failures.
func InvalidRequest(message, param string) Envelope {
	b := ErrorBody{Message: message, Type: TypeInvalidRequest}
	if param != "" {
		b.Param = &param
	}
	return Envelope{Error: b}
}

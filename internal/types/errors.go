package types

import (
	"net/http"
	"strconv"
	"strings"
)

// APIError is the body of a failed REST call. Code has the form
// <AREA>_<status>, e.g. WRITE_409.
type APIError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Inverter string `json:"inverter,omitempty"`
	Details  any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{Error: APIError{Code: code, Message: message, Details: details}}
}

// For tags the error with the inverter it concerns.
func (r ErrorResponse) For(inverter string) ErrorResponse {
	r.Error.Inverter = inverter
	return r
}

// Status liest den HTTP-Status aus dem Code-Suffix, sonst 500.
func (r ErrorResponse) Status() int {
	i := strings.LastIndexByte(r.Error.Code, '_')
	if i < 0 {
		return http.StatusInternalServerError
	}
	n, err := strconv.Atoi(r.Error.Code[i+1:])
	if err != nil || n < 400 || n > 599 {
		return http.StatusInternalServerError
	}
	return n
}

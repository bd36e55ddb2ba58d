// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a tool failure and determines the HTTP status the
// dispatcher surfaces.
type Code string

// The error taxonomy. Handlers return these via Errf/WrapCode; the HTTP
// layer maps them with HTTPStatus.
const (
	CodeInvalidInput         Code = "InvalidInput"
	CodeToolNotFound         Code = "ToolNotFound"
	CodeToolDisabled         Code = "ToolDisabled"
	CodeMethodNotAllowed     Code = "MethodNotAllowed"
	CodeProjectNotFound      Code = "ProjectNotFound"
	CodeSessionNotFound      Code = "SessionNotFound"
	CodeTaskNotFound         Code = "TaskNotFound"
	CodeDecisionNotFound     Code = "DecisionNotFound"
	CodeAgentNotFound        Code = "AgentNotFound"
	CodeNamingConflict       Code = "NamingConflict"
	CodeAlreadyExists        Code = "AlreadyExists"
	CodeTimeout              Code = "Timeout"
	CodeCircuitOpen          Code = "CircuitOpen"
	CodeEmbeddingUnavailable Code = "EmbeddingUnavailable"
	CodeInternal             Code = "Internal"
)

// HTTPStatus maps an error code onto its surface status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeToolNotFound, CodeToolDisabled,
		CodeProjectNotFound, CodeSessionNotFound, CodeTaskNotFound,
		CodeDecisionNotFound, CodeAgentNotFound:
		return http.StatusNotFound
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeNamingConflict, CodeAlreadyExists:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCircuitOpen, CodeEmbeddingUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a coded tool error. The message is safe to surface to clients;
// no stack traces or internal details belong here.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a coded error with a formatted client-safe message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapCode attaches a code to an underlying error while keeping its message.
func WrapCode(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the Code from err, walking the wrap chain.
// Context deadline exceeded maps to Timeout; everything else uncoded
// is Internal.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

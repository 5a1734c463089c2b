// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jeremyhahn/go-linkproof/pkg/nonce"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
)

// Common errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInternalError  = errors.New("internal server error")
)

// writeError writes an error response to the client.
func writeError(w http.ResponseWriter, err error, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error: err.Error(),
		Code:  statusCode,
	}

	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		log.Printf("Failed to encode error response: %v", encErr)
	}
}

// writeDenial writes a redemption denial with its reason code. The
// body never carries the destination.
func writeDenial(w http.ResponseWriter, reason nonce.Reason) {
	statusCode := denialStatusCode(reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Error:  "redemption denied",
		Reason: string(reason),
		Code:   statusCode,
	}

	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		log.Printf("Failed to encode error response: %v", encErr)
	}
}

// denialStatusCode maps a denial reason to an HTTP status. A nonce
// that once existed but is no longer redeemable is Gone; tampered or
// unproven requests are Forbidden.
func denialStatusCode(reason nonce.Reason) int {
	switch reason {
	case nonce.ReasonUnknownNonce:
		return http.StatusNotFound
	case nonce.ReasonExpired, nonce.ReasonReplay:
		return http.StatusGone
	case nonce.ReasonMissingContinuity:
		return http.StatusBadRequest
	case nonce.ReasonCSRFMismatch,
		nonce.ReasonTurnstileFailed,
		nonce.ReasonSignatureMismatch:
		return http.StatusForbidden
	default:
		return http.StatusForbidden
	}
}

// mapErrorToStatusCode maps registry and request errors to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, registry.ErrSiteNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrHostnameExists):
		return http.StatusConflict
	case errors.Is(err, registry.ErrPathNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrInvalidOrigin),
		errors.Is(err, registry.ErrOriginNotAllowed),
		errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrInvalidToken),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// handleError maps the error to a status code and writes the response.
func handleError(w http.ResponseWriter, err error) {
	writeError(w, err, mapErrorToStatusCode(err))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

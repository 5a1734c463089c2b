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
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-linkproof/pkg/metrics"
	"github.com/jeremyhahn/go-linkproof/pkg/nonce"
	"github.com/jeremyhahn/go-linkproof/pkg/ratelimit"
)

// AttestationHeader carries the signed redemption credential on the
// redirect response.
const AttestationHeader = "X-Linkproof-Attestation"

// RedeemHandler handles the redemption endpoint. Only POST is
// accepted; any other method is answered with 405 and an Allow header
// without touching the nonce. On success the response is a 303 See
// Other with Location set to the resolved destination and the signed
// attestation in a response header. Every failure is a structured
// denial carrying its reason code; a denial never discloses the
// destination.
func (h *HandlerContext) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, errors.New("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	defer func() {
		metrics.RecordRedeemDuration(time.Since(start).Seconds())
	}()

	value := chi.URLParam(r, "nonce")
	if err := r.ParseForm(); err != nil {
		writeError(w, ErrInvalidRequest, http.StatusBadRequest)
		return
	}

	// A missing or invalid continuity cookie is not an error here; the
	// coordinator denies it with the proper reason code so it is
	// ledgered like every other denial.
	sess, _ := h.sessions.FromRequest(r)

	req := &nonce.RedeemRequest{
		Value:          value,
		Signature:      r.PostFormValue("signature"),
		ProofSeed:      r.PostFormValue("proof_seed"),
		Session:        sess,
		CSRFToken:      r.PostFormValue("csrf_token"),
		ChallengeToken: r.PostFormValue("cf-turnstile-response"),
		RemoteIP:       ratelimit.ClientIP(r),
	}

	result, err := h.coordinator.Redeem(r.Context(), req)
	if err != nil {
		if reason, ok := nonce.DenialReason(err); ok {
			writeDenial(w, reason)
			return
		}
		handleError(w, err)
		return
	}

	if result.Credential != "" {
		w.Header().Set(AttestationHeader, result.Credential)
	}
	http.Redirect(w, r, result.Destination, http.StatusSeeOther)
}

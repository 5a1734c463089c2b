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
	"html/template"
	"net/http"
)

// interstitialData is everything embedded once into the rendered page.
// The proof seed and precomputed signature exist only in this one
// rendering; they are never re-derivable from a later request.
type interstitialData struct {
	Hostname         string
	ActionURL        string
	Nonce            string
	ProofSeed        string
	Signature        string
	CSRFToken        string
	TurnstileSiteKey string
}

var interstitialTemplate = template.Must(template.New("interstitial").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex, nofollow">
<title>Continue to {{.Hostname}}</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #f5f5f5; }
main { background: #fff; border-radius: 8px; padding: 2rem 3rem; box-shadow: 0 1px 4px rgba(0,0,0,.1); text-align: center; }
button { font-size: 1rem; padding: .6rem 2rem; border: 0; border-radius: 6px; background: #1a73e8; color: #fff; cursor: pointer; }
button:hover { background: #1765c9; }
</style>
{{if .TurnstileSiteKey}}<script src="https://challenges.cloudflare.com/turnstile/v0/api.js" async defer></script>{{end}}
</head>
<body>
<main>
<h1>Continuing to {{.Hostname}}</h1>
<p>Confirm below to open this link.</p>
<form method="POST" action="{{.ActionURL}}">
<input type="hidden" name="signature" value="{{.Signature}}">
<input type="hidden" name="proof_seed" value="{{.ProofSeed}}">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
{{if .TurnstileSiteKey}}<div class="cf-turnstile" data-sitekey="{{.TurnstileSiteKey}}"></div>{{end}}
<button type="submit">Continue</button>
</form>
</main>
</body>
</html>
`))

// renderInterstitial writes the interstitial page. Caching is disabled
// so the embedded secrets are never served stale or stored.
func renderInterstitial(w http.ResponseWriter, data *interstitialData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	return interstitialTemplate.Execute(w, data)
}

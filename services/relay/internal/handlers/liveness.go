package handlers

import (
	"net/http"

	"github.com/universoinfantilbr/hotmart-webhook-base44/internal/platform/api"
)

const livenessBody = "Hotmart webhook receiver OK"

// Liveness answers GET / with a fixed body.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	api.WriteText(w, http.StatusOK, livenessBody)
}

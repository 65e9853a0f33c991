package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	slogctx "github.com/veqryn/slog-context"
)

func writeJSON(ctx context.Context, w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slogctx.Error(ctx, "failed to encode response", "error", err)
		http.Error(w, "cannot encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

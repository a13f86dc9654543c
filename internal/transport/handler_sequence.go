package transport

import (
	"net/http"

	"github.com/sequorhq/sequor/internal/registry"
	"github.com/sequorhq/sequor/model"
)

// handleSequenceList returns the definitions visible to the caller's
// organization: its own scoped definitions plus the global ones.
func handleSequenceList(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var visible []model.SequenceDefinition
		for _, def := range reg.All() {
			if def.OrgID == "" || def.OrgID == rctx.OrgID {
				visible = append(visible, def)
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": visible})
	}
}

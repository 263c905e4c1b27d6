package server

import (
	"net/http"
	"sort"
)

// handleListModels lists every configured model id along with its
// additional aliases. Unauthenticated per spec.md §6's interface table.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	cfgs := s.deps.Router.ListModels()
	data := make([]modelEntry, len(cfgs))
	for i, m := range cfgs {
		data[i] = modelEntry{ID: m.ID, AdditionalAliases: m.AdditionalAliases}
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

type modelEntry struct {
	ID                string   `json:"id"`
	AdditionalAliases []string `json:"additional_aliases,omitempty"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

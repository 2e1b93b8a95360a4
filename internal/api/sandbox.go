package api

import "net/http"

// handleCreateSandbox provisions a fresh execution environment and returns
// its opaque reference. The environment lifecycle beyond this call belongs
// to the remote provisioning service.
func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	ref, err := s.sandbox.Provision(r.Context())
	if err != nil {
		s.logger.Error("provision sandbox", "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to provision execution environment")
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"environment_ref": ref})
}

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/types"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.Filter{
		State:    types.JobState(q.Get("state")),
		Kind:     types.JobKind(q.Get("kind")),
		RangeID:  q.Get("range_id"),
		ParentID: q.Get("parent_id"),
	}
	if target := q.Get("target"); target != "" {
		typ, id, ok := strings.Cut(target, "/")
		if !ok {
			s.writeError(w, r, badRequest("target must be <type>/<id>"))
			return
		}
		filter.Target = types.Target{Type: types.TargetType(typ), ID: id}
	}

	list, err := s.jobs.List(filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]jobs.Status, 0, len(list))
	for _, j := range list {
		out = append(out, jobs.StatusOf(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, State: string(job.State)})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.artifacts.List()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Artifact{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) ensureArtifact(w http.ResponseWriter, r *http.Request) {
	var ref types.ArtifactRef
	if err := decode(w, r, &ref); err != nil {
		s.writeError(w, r, err)
		return
	}
	if ref.Kind == "" {
		ref.Kind = types.ArtifactImage
	}
	job, err := s.artifacts.Ensure(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, State: string(job.State)})
}

// artifactKey rebuilds the artifact key from /artifacts/{kind}/{name...}.
// Image names contain slashes, so the name is the route's wildcard.
func artifactKey(r *http.Request) string {
	return chi.URLParam(r, "kind") + ":" + chi.URLParam(r, "*")
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	rec, err := s.artifacts.Get(artifactKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := s.artifacts.Delete(r.Context(), artifactKey(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

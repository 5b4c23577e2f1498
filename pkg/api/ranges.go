package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/cyberrange/pkg/declare"
	"github.com/cuemby/cyberrange/pkg/deploy"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

// RangeDetail is a range with its networks and VMs
type RangeDetail struct {
	*types.Range
	Networks []*types.Network `json:"networks"`
	VMs      []*types.VM      `json:"vms"`
}

// VMDetail is a VM with its snapshots
type VMDetail struct {
	*types.VM
	Snapshots []*types.Snapshot `json:"snapshots"`
}

// StatusRequest is the body of PUT /ranges/{id}/status
type StatusRequest struct {
	Status types.RangeStatus `json:"status"`
}

// SnapshotRequest is the body of POST /vms/{id}/snapshot
type SnapshotRequest struct {
	Name string `json:"name"`
}

// SnapshotResponse is returned for an accepted snapshot
type SnapshotResponse struct {
	JobResponse
	SnapshotID string `json:"snapshot_id"`
}

func (s *Server) listRanges(w http.ResponseWriter, r *http.Request) {
	ranges, err := s.store.ListRanges()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ranges == nil {
		ranges = []*types.Range{}
	}
	writeJSON(w, http.StatusOK, ranges)
}

func (s *Server) createRange(w http.ResponseWriter, r *http.Request) {
	var decl declare.Range
	if err := decode(w, r, &decl); err != nil {
		s.writeError(w, r, err)
		return
	}

	rng, networks, vms := decl.Build(s.resolveTemplate)
	if _, err := s.orch.CreateRange(rng, networks, vms); err != nil {
		s.writeError(w, r, err)
		return
	}

	detail, err := s.rangeDetail(rng.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) resolveTemplate(ref string) (*types.Template, bool) {
	if t, err := s.store.GetTemplate(ref); err == nil {
		return t, true
	}
	t, err := s.store.GetTemplateByName(ref)
	return t, err == nil
}

func (s *Server) rangeDetail(id string) (*RangeDetail, error) {
	rng, err := s.store.GetRange(id)
	if err != nil {
		return nil, err
	}
	networks, err := s.store.ListNetworksByRange(id)
	if err != nil {
		return nil, err
	}
	vms, err := s.store.ListVMsByRange(id)
	if err != nil {
		return nil, err
	}
	if networks == nil {
		networks = []*types.Network{}
	}
	if vms == nil {
		vms = []*types.VM{}
	}
	return &RangeDetail{Range: rng, Networks: networks, VMs: vms}, nil
}

func (s *Server) getRange(w http.ResponseWriter, r *http.Request) {
	detail, err := s.rangeDetail(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteRange(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteRange(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setRangeStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rng, err := s.orch.SetRangeStatus(chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rng)
}

func (s *Server) validateRange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRange(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.orch.Validate(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rangeJob adapts an orchestrator range operation to a handler returning 202
func (s *Server) rangeJob(op func(rangeID string) (*types.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := op(chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, JobResponse{JobID: job.ID, State: string(job.State)})
	}
}

func (s *Server) vmJob(op func(vmID string) (*types.Job, error)) http.HandlerFunc {
	return s.rangeJob(op)
}

func (s *Server) getVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.store.GetVM(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snaps, err := s.store.ListSnapshotsByVM(vm.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []*types.Snapshot{}
	}
	writeJSON(w, http.StatusOK, VMDetail{VM: vm, Snapshots: snaps})
}

func (s *Server) snapshotVM(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	vmID := chi.URLParam(r, "id")
	if req.Name == "" {
		req.Name = "snapshot-" + time.Now().UTC().Format("20060102-150405")
	}
	job, snap, err := s.orch.SnapshotVM(vmID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SnapshotResponse{
		JobResponse: JobResponse{JobID: job.ID, State: string(job.State)},
		SnapshotID:  snap.ID,
	})
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if templates == nil {
		templates = []*types.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var t types.Template
	if err := decode(w, r, &t); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkTemplate(&t); err != nil {
		s.writeError(w, r, err)
		return
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now()
	if err := s.store.CreateTemplate(&t); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info().Str("template_id", t.ID).Str("name", t.Name).Msg("Template created")
	writeJSON(w, http.StatusCreated, &t)
}

func (s *Server) checkTemplate(t *types.Template) error {
	verr := &deploy.ValidationError{}
	if strings.TrimSpace(t.Name) == "" {
		verr.Problems = append(verr.Problems, "template name is required")
	}
	if t.Image == "" {
		verr.Problems = append(verr.Problems, "template image is required")
	}
	if t.Disk != nil {
		if t.Disk.Kind == "" {
			t.Disk.Kind = types.ArtifactDisk
		}
		if err := s.artifacts.Validate(*t.Disk); err != nil {
			verr.Problems = append(verr.Problems, err.Error())
		}
	}
	if t.HealthCheck != nil {
		switch t.HealthCheck.Type {
		case "exec", "tcp", "http":
		default:
			verr.Problems = append(verr.Problems, "unknown health check type "+t.HealthCheck.Type)
		}
	}
	if len(verr.Problems) > 0 {
		return verr
	}

	if t.ID != "" {
		if _, err := s.store.GetTemplate(t.ID); err == nil {
			return conflict("template %s already exists", t.ID)
		}
	}
	if _, err := s.store.GetTemplateByName(t.Name); err == nil {
		return conflict("template %q already exists", t.Name)
	} else if !storage.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTemplate(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	vms, err := s.store.ListVMs()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, vm := range vms {
		if vm.TemplateID == id {
			s.writeError(w, r, conflict("template %s is used by vm %s", id, vm.Hostname))
			return
		}
	}
	if err := s.store.DeleteTemplate(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/andrej220/logfleet/internal/configguard"
	"github.com/andrej220/logfleet/internal/deploy"
	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/serverutil"
	"github.com/andrej220/logfleet/internal/store"
	"github.com/andrej220/logfleet/internal/tracker"
	"github.com/andrej220/logfleet/pkg/lg"
	datamodels "github.com/andrej220/logfleet/pkg/shared-models"
)

var errUnsupportedAction = errors.New("unsupported action")

// fleet binds the request surfaces to the deploy service.
type fleet struct {
	svc      *deploy.Service
	tracker  *tracker.Tracker
	machines store.MachineStore
	logger   lg.Logger
}

func configSet(c datamodels.ConfigText) domain.ConfigSet {
	return domain.ConfigSet{Pipeline: c.Pipeline, JVMOptions: c.JVMOptions, SystemYAML: c.SystemYAML}
}

func (f *fleet) resolve(ctx context.Context, ids []int64) ([]domain.Machine, error) {
	out := make([]domain.Machine, 0, len(ids))
	for _, id := range ids {
		m, err := f.machines.GetMachine(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("machine %d: %w", id, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// dispatch runs one request. The task id is empty for delete_directory and
// detach_machine, which complete before returning.
func (f *fleet) dispatch(ctx context.Context, req datamodels.DeployRequest) (string, error) {
	machines, err := f.resolve(ctx, req.MachineIDs)
	if err != nil {
		return "", err
	}

	switch req.Action {
	case datamodels.ActionInitialize:
		p := domain.Process{
			ID:     req.ProcessID,
			Name:   req.Process.Name,
			Module: req.Process.Module,
			Config: configSet(req.Process.Config),
		}
		return f.svc.InitializeProcess(ctx, p, machines)
	case datamodels.ActionStart:
		return f.svc.StartProcess(ctx, req.ProcessID, machines)
	case datamodels.ActionStop:
		return f.svc.StopProcess(ctx, req.ProcessID, machines)
	case datamodels.ActionStartMachine:
		return f.svc.StartMachine(ctx, req.ProcessID, machines[0])
	case datamodels.ActionStopMachine:
		return f.svc.StopMachine(ctx, req.ProcessID, machines[0])
	case datamodels.ActionRestartMachine:
		return f.svc.RestartMachine(ctx, req.ProcessID, machines[0])
	case datamodels.ActionUpdateConfig:
		return f.svc.UpdateMultipleConfigs(ctx, req.ProcessID, machines, configSet(*req.Config))
	case datamodels.ActionRefreshConfig:
		return f.svc.RefreshConfig(ctx, req.ProcessID, machines)
	case datamodels.ActionDeleteDirectory:
		return "", f.svc.DeleteProcessDirectory(ctx, req.ProcessID, machines)
	case datamodels.ActionDetachMachine:
		return "", f.svc.DetachMachine(ctx, req.ProcessID, machines[0])
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedAction, req.Action)
	}
}

// handle is the consumer entry point. Rejections are logged, never retried.
func (f *fleet) handle(ctx context.Context, req datamodels.DeployRequest) error {
	if err := datamodels.Validate(req); err != nil {
		return err
	}
	taskID, err := f.dispatch(ctx, req)
	if err != nil {
		return err
	}
	f.logger.Info("request accepted",
		lg.String("request_id", req.RequestID.String()),
		lg.String("action", string(req.Action)),
		lg.String("task_id", taskID))
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, configguard.ErrMachineRunning),
		errors.Is(err, deploy.ErrOperationInProgress),
		errors.Is(err, deploy.ErrIllegalState),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, configguard.ErrInvalidYAML),
		errors.Is(err, deploy.ErrNoMachines),
		errors.Is(err, deploy.ErrNothingToUpdate),
		errors.Is(err, tracker.ErrEmptyGrid),
		errors.Is(err, tracker.ErrDuplicateMachine),
		errors.Is(err, errUnsupportedAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (f *fleet) deployHandler() http.Handler {
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, _ := serverutil.RequestFrom[datamodels.DeployRequest](r.Context())
		resp := datamodels.DeployResponse{RequestID: req.RequestID}

		taskID, err := f.dispatch(r.Context(), req)
		if err != nil {
			lg.FromContext(r.Context()).Warn("request rejected",
				lg.String("action", string(req.Action)),
				lg.Int64("process_id", req.ProcessID),
				lg.Err(err))
			resp.Status = "rejected"
			resp.Error = err.Error()
			serverutil.WriteJSON(rw, statusFor(err), resp)
			return
		}
		resp.TaskID = taskID
		if taskID == "" {
			resp.Status = "completed"
			serverutil.WriteJSON(rw, http.StatusOK, resp)
			return
		}
		resp.Status = "accepted"
		serverutil.WriteJSON(rw, http.StatusAccepted, resp)
	})
	return serverutil.NewValidationHandler[datamodels.DeployRequest](next, datamodels.Validate)
}

func (f *fleet) machineHandler() http.Handler {
	next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, _ := serverutil.RequestFrom[datamodels.MachineRequest](r.Context())
		m := domain.Machine{
			ID:             req.ID,
			Name:           req.Name,
			Host:           req.Host,
			Port:           req.Port,
			Username:       req.Username,
			Password:       req.Password,
			PrivateKeyPath: req.PrivateKeyPath,
		}
		if err := f.machines.SaveMachine(r.Context(), m); err != nil {
			http.Error(rw, err.Error(), statusFor(err))
			return
		}
		serverutil.WriteJSON(rw, http.StatusOK, m)
	})
	return serverutil.NewValidationHandler[datamodels.MachineRequest](next, datamodels.Validate)
}

func (f *fleet) taskDetail(rw http.ResponseWriter, r *http.Request) {
	d, err := f.tracker.GetTaskDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, d)
}

func (f *fleet) taskSummary(rw http.ResponseWriter, r *http.Request) {
	s, err := f.tracker.GetTaskSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, s)
}

func (f *fleet) taskSteps(rw http.ResponseWriter, r *http.Request) {
	g, err := f.tracker.GetTaskStepsGrouped(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, g)
}

func (f *fleet) processTasks(rw http.ResponseWriter, r *http.Request) {
	processID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(rw, "invalid process id", http.StatusBadRequest)
		return
	}
	summaries, err := f.tracker.GetProcessTaskSummaries(r.Context(), processID)
	if err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, summaries)
}

func (f *fleet) latestProcessTask(rw http.ResponseWriter, r *http.Request) {
	processID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(rw, "invalid process id", http.StatusBadRequest)
		return
	}
	d, err := f.tracker.GetLatestProcessTaskDetail(r.Context(), processID)
	if err != nil {
		http.Error(rw, err.Error(), statusFor(err))
		return
	}
	serverutil.WriteJSON(rw, http.StatusOK, d)
}

func (f *fleet) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /deploy", f.deployHandler())
	mux.Handle("PUT /machines", f.machineHandler())
	mux.HandleFunc("GET /tasks/{id}", f.taskDetail)
	mux.HandleFunc("GET /tasks/{id}/summary", f.taskSummary)
	mux.HandleFunc("GET /tasks/{id}/steps", f.taskSteps)
	mux.HandleFunc("GET /processes/{id}/tasks", f.processTasks)
	mux.HandleFunc("GET /processes/{id}/tasks/latest", f.latestProcessTask)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

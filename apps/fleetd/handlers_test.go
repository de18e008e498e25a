package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/logfleet/internal/command"
	"github.com/andrej220/logfleet/internal/domain"
	"github.com/andrej220/logfleet/internal/executor/executortest"
	"github.com/andrej220/logfleet/internal/store/memstore"
	"github.com/andrej220/logfleet/internal/tracker"
	"github.com/andrej220/logfleet/pkg/events"
	"github.com/andrej220/logfleet/pkg/lg"
	datamodels "github.com/andrej220/logfleet/pkg/shared-models"
)

type harness struct {
	srv  *httptest.Server
	st   *memstore.MemStore
	fake *executortest.Fake
	app  *app
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := NewFleetConfig()
	cfg.Deploy = command.Config{
		DeployRoot:  "/opt/logfleet",
		PackagePath: "/srv/packages/logstash.tar.gz",
		Timings: command.Timings{
			VerifyAttempts:      1,
			StopPollInterval:    time.Millisecond,
			StopGracefulTimeout: 5 * time.Millisecond,
			StopForceTimeout:    5 * time.Millisecond,
		},
	}
	cfg.Pools.Orchestration = PoolConfig{Workers: 2, QueueSize: 4}
	cfg.Pools.Command = PoolConfig{Workers: 4, QueueSize: 8}
	cfg.Monitor.MinRuntime = 0

	h := &harness{st: memstore.New(), fake: executortest.New()}
	h.app = build(cfg, h.st, h.fake, events.Nop, nil, lg.Discard)
	h.srv = httptest.NewServer(h.app.fleet.routes(nil))
	t.Cleanup(func() {
		h.srv.Close()
		h.app.close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (h *harness) register(t *testing.T, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		resp, _ := h.do(t, http.MethodPut, "/machines", datamodels.MachineRequest{
			ID:       id,
			Host:     "10.0.0.1",
			Username: "deploy",
			Password: "secret",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func (h *harness) deploy(t *testing.T, req datamodels.DeployRequest) (int, datamodels.DeployResponse) {
	t.Helper()
	resp, body := h.do(t, http.MethodPost, "/deploy", req)
	var out datamodels.DeployResponse
	if resp.StatusCode != http.StatusBadRequest {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return resp.StatusCode, out
}

func (h *harness) waitTask(t *testing.T, taskID string) tracker.TaskDetail {
	t.Helper()
	var d tracker.TaskDetail
	require.Eventually(t, func() bool {
		resp, err := http.Get(h.srv.URL + "/tasks/" + taskID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		d = tracker.TaskDetail{}
		return json.NewDecoder(resp.Body).Decode(&d) == nil && d.Task.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return d
}

func initialize(t *testing.T, h *harness) string {
	t.Helper()
	h.register(t, 1, 2)
	code, resp := h.deploy(t, datamodels.DeployRequest{
		Action:     datamodels.ActionInitialize,
		ProcessID:  42,
		MachineIDs: []int64{1, 2},
		Process: &datamodels.ProcessSpec{
			Name:   "ingest",
			Config: datamodels.ConfigText{Pipeline: "input { stdin {} }"},
		},
	})
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func TestDeployInitializeOverHTTP(t *testing.T) {
	h := newHarness(t)
	taskID := initialize(t, h)

	d := h.waitTask(t, taskID)
	assert.Equal(t, domain.TaskCompleted, d.Task.Status, d.Task.ErrorMessage)
	assert.Len(t, d.Machines, 2)

	resp, body := h.do(t, http.MethodGet, "/processes/42/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []tracker.TaskSummary
	require.NoError(t, json.Unmarshal(body, &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, taskID, summaries[0].Task.ID)
	assert.Equal(t, 100, summaries[0].Progress)

	resp, _ = h.do(t, http.MethodGet, "/processes/42/tasks/latest", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeployRejections(t *testing.T) {
	h := newHarness(t)
	h.waitTask(t, initialize(t, h))

	t.Run("unknown machine", func(t *testing.T) {
		code, resp := h.deploy(t, datamodels.DeployRequest{
			Action: datamodels.ActionRefreshConfig, ProcessID: 42, MachineIDs: []int64{9},
		})
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "rejected", resp.Status)
	})

	t.Run("running machine blocks config update", func(t *testing.T) {
		code, resp := h.deploy(t, datamodels.DeployRequest{
			Action:     datamodels.ActionUpdateConfig,
			ProcessID:  42,
			MachineIDs: []int64{1},
			Config:     &datamodels.ConfigText{JVMOptions: "-Xmx2g"},
		})
		assert.Equal(t, http.StatusConflict, code)
		assert.Empty(t, resp.TaskID)
	})

	t.Run("start on an already running process", func(t *testing.T) {
		code, resp := h.deploy(t, datamodels.DeployRequest{
			Action: datamodels.ActionStart, ProcessID: 42, MachineIDs: []int64{1, 2},
		})
		assert.Equal(t, http.StatusConflict, code)
		assert.Empty(t, resp.TaskID)
	})

	t.Run("single machine action with two ids", func(t *testing.T) {
		code, _ := h.deploy(t, datamodels.DeployRequest{
			Action: datamodels.ActionStartMachine, ProcessID: 42, MachineIDs: []int64{1, 2},
		})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("unknown task", func(t *testing.T) {
		resp, _ := h.do(t, http.MethodGet, "/tasks/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestDeleteDirectoryCompletesInline(t *testing.T) {
	h := newHarness(t)
	h.waitTask(t, initialize(t, h))

	code, resp := h.deploy(t, datamodels.DeployRequest{
		Action: datamodels.ActionStop, ProcessID: 42, MachineIDs: []int64{1, 2},
	})
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	h.waitTask(t, resp.TaskID)

	code, resp = h.deploy(t, datamodels.DeployRequest{
		Action: datamodels.ActionDeleteDirectory, ProcessID: 42, MachineIDs: []int64{1, 2},
	})
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Equal(t, "completed", resp.Status)
	assert.Empty(t, resp.TaskID)
}

func TestDetachMachineOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.waitTask(t, initialize(t, h))
	detach := datamodels.DeployRequest{Action: datamodels.ActionDetachMachine, ProcessID: 42, MachineIDs: []int64{2}}

	code, _ := h.deploy(t, detach)
	assert.Equal(t, http.StatusConflict, code)

	code, resp := h.deploy(t, datamodels.DeployRequest{
		Action: datamodels.ActionStop, ProcessID: 42, MachineIDs: []int64{1, 2},
	})
	require.Equal(t, http.StatusAccepted, code, resp.Error)
	h.waitTask(t, resp.TaskID)

	code, resp = h.deploy(t, detach)
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.Equal(t, "completed", resp.Status)

	_, err := h.st.GetInstance(context.Background(), 42, 2)
	assert.Error(t, err)
	_, err = h.st.GetInstance(context.Background(), 42, 1)
	assert.NoError(t, err)
}

func TestMonitorStopsLostInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.waitTask(t, initialize(t, h))
	require.NoError(t, h.st.UpdateInstancePID(ctx, 42, 1, "4242"))
	h.fake.Respond(1, "ps -p 4242", "no", nil)

	lost, err := h.app.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lost)

	inst, err := h.st.GetInstance(ctx, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopped, inst.State)
	inst, err = h.st.GetInstance(ctx, 42, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, inst.State)

	// the lost instance can be started again
	code, resp := h.deploy(t, datamodels.DeployRequest{
		Action: datamodels.ActionStartMachine, ProcessID: 42, MachineIDs: []int64{1},
	})
	assert.Equal(t, http.StatusAccepted, code, resp.Error)
	h.waitTask(t, resp.TaskID)
}

func TestMachineRequestNeedsCredentials(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodPut, "/machines", datamodels.MachineRequest{
		ID: 3, Host: "10.0.0.3", Username: "deploy",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err := h.st.GetMachine(context.Background(), 3)
	assert.Error(t, err)
}

func TestConsumerHandleDispatches(t *testing.T) {
	h := newHarness(t)
	h.register(t, 1)

	err := h.app.fleet.handle(context.Background(), datamodels.DeployRequest{
		Action: datamodels.ActionStart, ProcessID: 42, MachineIDs: []int64{1},
	})
	assert.Error(t, err)

	err = h.app.fleet.handle(context.Background(), datamodels.DeployRequest{Action: "reboot"})
	assert.Error(t, err)
}

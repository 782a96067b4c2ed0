package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Intelligent-Intern/quicpro-async-sub000/supervisor"
)

type fakeSupervisor struct {
	stats        []supervisor.WorkerRecord
	drained      bool
	reloadCalled bool
}

func (f *fakeSupervisor) Stats() []supervisor.WorkerRecord { return f.stats }
func (f *fakeSupervisor) Drain()                           { f.drained = true }
func (f *fakeSupervisor) TriggerReload()                   { f.reloadCalled = true }

func newTestServer(sup *fakeSupervisor, reload ReloadFunc) *Server {
	log := zerolog.Nop()
	return New(Options{Addr: "127.0.0.1:0", Supervisor: sup, Reload: reload}, &log)
}

func TestHandleReloadAppliesAndTriggersSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	applied := ""
	srv := newTestServer(sup, func(group string) error {
		applied = group
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/reload/tls", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "tls", applied)
	assert.True(t, sup.reloadCalled)
}

func TestHandleReloadRejectsUnknownGroup(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := newTestServer(sup, func(group string) error {
		return errors.New("unknown group: " + group)
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/reload/bogus", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, sup.reloadCalled)
}

func TestHandleWorkersReturnsStatsAsJSON(t *testing.T) {
	sup := &fakeSupervisor{stats: []supervisor.WorkerRecord{
		{PID: 100, WorkerID: 0},
		{PID: 101, WorkerID: 1},
	}}
	srv := newTestServer(sup, func(string) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/admin/workers", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []supervisor.WorkerRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)
}

func TestHandleDrainCallsSupervisorDrain(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := newTestServer(sup, func(string) error { return nil })

	req := httptest.NewRequest(http.MethodPost, "/admin/drain", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, sup.drained)
}

func TestHandleReloadRejectsNonPostMethod(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := newTestServer(sup, func(string) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/admin/reload/tls", nil)
	rec := httptest.NewRecorder()
	srv.mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

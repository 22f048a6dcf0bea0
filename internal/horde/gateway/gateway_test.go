package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hordeproject/horde/internal/common/util"
	"github.com/hordeproject/horde/internal/horde/accounting"
	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/cache"
	"github.com/hordeproject/horde/internal/horde/capability"
	"github.com/hordeproject/horde/internal/horde/configuration"
	"github.com/hordeproject/horde/internal/horde/repository"
	"github.com/hordeproject/horde/internal/horde/scheduling"
	"github.com/hordeproject/horde/internal/horde/server"
)

func TestAsync_AcceptsAndReportsId(t *testing.T) {
	withGateway(t, func(routes http.Handler, store *repository.InMemoryStore) {
		user := seedUser(t, store)

		resp := do(t, routes, http.MethodPost, "/api/v2/generate/async", user.Id.String(), imageBody())
		assert.Equal(t, http.StatusAccepted, resp.Code)

		body := map[string]interface{}{}
		assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		id, err := uuid.Parse(body["id"].(string))
		assert.NoError(t, err)

		wp, err := store.GetRequest(context.Background(), id)
		assert.NoError(t, err)
		assert.Equal(t, api.KindImage, wp.Kind)
	})
}

func TestAsync_RequiresAPIKey(t *testing.T) {
	withGateway(t, func(routes http.Handler, store *repository.InMemoryStore) {
		resp := do(t, routes, http.MethodPost, "/api/v2/generate/async", "", imageBody())
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})
}

func TestAsync_InvalidParams(t *testing.T) {
	withGateway(t, func(routes http.Handler, store *repository.InMemoryStore) {
		user := seedUser(t, store)
		body := map[string]interface{}{
			"prompt": "",
			"params": map[string]interface{}{"width": 100, "height": 512, "steps": 50},
		}
		resp := do(t, routes, http.MethodPost, "/api/v2/generate/async", user.Id.String(), body)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

func TestStatus_UnknownRequest(t *testing.T) {
	withGateway(t, func(routes http.Handler, store *repository.InMemoryStore) {
		resp := do(t, routes, http.MethodGet, "/api/v2/generate/status/"+uuid.New().String(), "", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestStatusAndCancel_RoundTrip(t *testing.T) {
	withGateway(t, func(routes http.Handler, store *repository.InMemoryStore) {
		user := seedUser(t, store)

		resp := do(t, routes, http.MethodPost, "/api/v2/generate/async", user.Id.String(), imageBody())
		assert.Equal(t, http.StatusAccepted, resp.Code)
		body := map[string]interface{}{}
		assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		path := "/api/v2/generate/status/" + body["id"].(string)

		resp = do(t, routes, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, resp.Code)
		status := &api.StatusResponse{}
		assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), status))
		assert.Equal(t, int32(1), status.Waiting)

		resp = do(t, routes, http.MethodDelete, path, "", nil)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), status))
		assert.Equal(t, int32(0), status.Waiting)
		assert.True(t, status.Done)
	})
}

func TestPop_EmptyQueue(t *testing.T) {
	withGateway(t, func(routes http.Handler, store *repository.InMemoryStore) {
		user := seedUser(t, store)
		body := map[string]interface{}{
			"name":         "pop-test-worker",
			"bridge_agent": "AI Horde Worker:4.1.0:test@example.com",
			"models":       []string{"stable_diffusion"},
			"max_pixels":   1024 * 1024,
		}
		resp := do(t, routes, http.MethodPost, "/api/v2/generate/pop", user.Id.String(), body)
		assert.Equal(t, http.StatusOK, resp.Code)

		pop := &api.PopResponse{}
		assert.NoError(t, json.Unmarshal(resp.Body.Bytes(), pop))
		assert.Nil(t, pop.Payload)
	})
}

func imageBody() map[string]interface{} {
	return map[string]interface{}{
		"prompt": "a lighthouse at dusk",
		"params": map[string]interface{}{
			"width":        512,
			"height":       512,
			"steps":        50,
			"sampler_name": "k_euler",
		},
		"models":       []string{"stable_diffusion"},
		"slow_workers": true,
		"n":            1,
	}
}

func do(t *testing.T, routes http.Handler, method, path, apikey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		assert.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if apikey != "" {
		req.Header.Set(headerAPIKey, apikey)
	}
	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, req)
	return recorder
}

func seedUser(t *testing.T, store *repository.InMemoryStore) *repository.User {
	t.Helper()
	user := &repository.User{
		Id:       uuid.New(),
		Username: uuid.New().String(),
		Tier:     repository.TierTrusted,
		Kudos:    100,
		Created:  time.Now(),
	}
	assert.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func withGateway(t *testing.T, action func(routes http.Handler, store *repository.InMemoryStore)) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := repository.NewInMemoryStore()
	clock := &util.UTCClock{}
	config := configuration.SchedulingConfig{
		StaleWorkerThreshold: 5 * time.Minute,
		PopPageSize:          25,
		RequestExpiry:        20 * time.Minute,
		ImageJobTTL:          120 * time.Second,
		TextJobTTL:           150 * time.Second,
		MaxImageJobTTL:       800 * time.Second,
		SlowWorkerImageSpeed: 0.5,
		SlowWorkerTextSpeed:  2,
		MaxFormAborts:        3,
		SuspicionThreshold:   3,
	}
	table := capability.NewTable()
	priorityCache := cache.NewPriorityCache(client)
	filter := scheduling.NewEligibilityFilter(config, table, func(wp *repository.WaitingPrompt) float64 {
		return accounting.UnitCost(wp) * float64(wp.N)
	})
	accountant := accounting.NewAccountant(
		store, store, store, store, table,
		cache.NewTransferGuard(client, time.Minute),
		configuration.KudosConfig{ImageHordeTax: 3, TextHordeTax: 1},
		clock)
	dispatcher := scheduling.NewDispatcher(
		store, store, store, store, store,
		priorityCache, cache.NewRegistrationGuard(client, 0),
		filter, config, clock)
	srv := server.NewServer(
		store, store, store, store,
		dispatcher, accountant, priorityCache, filter, config, clock)

	action(NewGateway(srv).Routes(), store)
}

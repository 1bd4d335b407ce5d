// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a minimal Consul HTTP API.
type fakeAgent struct {
	mu           sync.Mutex
	registered   []api.AgentServiceRegistration
	deregistered []string
	healthy      map[string][]*api.ServiceEntry
}

func newFakeAgent(t *testing.T) (*fakeAgent, *ServiceDiscovery) {
	t.Helper()
	agent := &fakeAgent{healthy: make(map[string][]*api.ServiceEntry)}
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)

	sd, err := NewServiceDiscovery(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	return agent, sd
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.registered = append(a.registered, reg)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
		a.deregistered = append(a.deregistered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		entries := a.healthy[name]
		if entries == nil {
			entries = []*api.ServiceEntry{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_ = json.NewEncoder(w).Encode(entries)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *fakeAgent) addHealthy(name, address string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy[name] = append(a.healthy[name], &api.ServiceEntry{
		Node:    &api.Node{Address: "10.0.0.99"},
		Service: &api.AgentService{Service: name, Address: address, Port: port},
	})
}

func TestNewServiceDiscovery(t *testing.T) {
	for _, address := range []string{"127.0.0.1:8500", "localhost:8500", ""} {
		sd, err := NewServiceDiscovery(address)
		require.NoError(t, err)
		assert.NotNil(t, sd.client)
	}
}

func TestRegisterService(t *testing.T) {
	agent, sd := newFakeAgent(t)

	require.NoError(t, sd.RegisterService(Registration{
		Name:      "sagaflow",
		Address:   "10.0.0.5",
		Port:      8080,
		Tags:      []string{"control-api"},
		CheckPath: "/health",
	}))
	require.NoError(t, sd.RegisterService(Registration{ID: "sagaflow-b", Name: "sagaflow", Address: "10.0.0.6", Port: 8080}))

	require.Len(t, agent.registered, 2)
	first := agent.registered[0]
	assert.Equal(t, "sagaflow-10.0.0.5-8080", first.ID)
	assert.Equal(t, []string{"control-api"}, first.Tags)
	require.NotNil(t, first.Check)
	assert.Equal(t, "http://10.0.0.5:8080/health", first.Check.HTTP)
	assert.Equal(t, "10s", first.Check.Interval)
	assert.Equal(t, "1m0s", first.Check.DeregisterCriticalServiceAfter)

	assert.Equal(t, "sagaflow-b", agent.registered[1].ID)
	assert.Nil(t, agent.registered[1].Check)

	assert.Error(t, sd.RegisterService(Registration{Address: "10.0.0.5"}))
}

func TestDeregisterService(t *testing.T) {
	agent, sd := newFakeAgent(t)
	require.NoError(t, sd.DeregisterService("sagaflow-b"))
	assert.Equal(t, []string{"sagaflow-b"}, agent.deregistered)
}

func TestGetInstanceRoundRobin(t *testing.T) {
	agent, sd := newFakeAgent(t)
	ctx := context.Background()

	_, err := sd.GetInstanceRoundRobin(ctx, "payments")
	assert.Error(t, err)

	agent.addHealthy("payments", "10.0.0.1", 9001)
	agent.addHealthy("payments", "", 9002)

	var got []string
	for i := 0; i < 3; i++ {
		addr, err := sd.GetInstanceRoundRobin(ctx, "payments")
		require.NoError(t, err)
		got = append(got, addr)
	}
	assert.Equal(t, []string{"10.0.0.1:9001", "10.0.0.99:9002", "10.0.0.1:9001"}, got)
}

func TestResolveURL(t *testing.T) {
	agent, sd := newFakeAgent(t)
	agent.addHealthy("payments", "10.0.0.1", 9001)
	ctx := context.Background()

	got, err := sd.ResolveURL(ctx, "consul://payments/v1/charge?async=true")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:9001/v1/charge?async=true", got)

	got, err = sd.ResolveURL(ctx, "https://inventory.internal/reserve")
	require.NoError(t, err)
	assert.Equal(t, "https://inventory.internal/reserve", got)

	_, err = sd.ResolveURL(ctx, "consul://shipping/create")
	assert.Error(t, err)
}

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

// Package discovery announces the control API to Consul and resolves
// participant services registered there.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
)

// Scheme marks HTTP step targets resolved through Consul, as in
// consul://payments/charge.
const Scheme = "consul"

// Registration describes one service instance.
type Registration struct {
	ID      string
	Name    string
	Address string
	Port    int
	Tags    []string

	// CheckPath is polled over HTTP by the agent. Empty disables the check.
	CheckPath       string
	CheckInterval   time.Duration
	CheckTimeout    time.Duration
	DeregisterAfter time.Duration
}

// ServiceDiscovery handles service discovery using Consul
type ServiceDiscovery struct {
	client *api.Client
	mu     sync.Mutex
	next   map[string]int
}

// NewServiceDiscovery creates a new service discovery client. An empty
// address keeps the Consul client default.
func NewServiceDiscovery(address string) (*ServiceDiscovery, error) {
	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}
	return &ServiceDiscovery{client: client, next: make(map[string]int)}, nil
}

// RegisterService registers a service with Consul's service registry.
func (sd *ServiceDiscovery) RegisterService(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if reg.ID == "" {
		reg.ID = fmt.Sprintf("%s-%s-%d", reg.Name, reg.Address, reg.Port)
	}

	registration := &api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
	}
	if reg.CheckPath != "" {
		registration.Check = &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", reg.Address, reg.Port, reg.CheckPath),
			Interval:                       durationOr(reg.CheckInterval, 10*time.Second),
			Timeout:                        durationOr(reg.CheckTimeout, 5*time.Second),
			DeregisterCriticalServiceAfter: durationOr(reg.DeregisterAfter, time.Minute),
		}
	}
	return sd.client.Agent().ServiceRegister(registration)
}

// DeregisterService removes a service from Consul's service registry.
func (sd *ServiceDiscovery) DeregisterService(id string) error {
	return sd.client.Agent().ServiceDeregister(id)
}

// GetInstanceRoundRobin returns host:port of a healthy instance of name,
// rotating through the healthy set on each call.
func (sd *ServiceDiscovery) GetInstanceRoundRobin(ctx context.Context, name string) (string, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	services, _, err := sd.client.Health().Service(name, "", true, opts)
	if err != nil {
		return "", err
	}
	if len(services) == 0 {
		return "", fmt.Errorf("no healthy service instances found: %s", name)
	}

	sd.mu.Lock()
	idx := sd.next[name] % len(services)
	sd.next[name]++
	sd.mu.Unlock()

	service := services[idx].Service
	address := service.Address
	if address == "" {
		address = services[idx].Node.Address
	}
	return fmt.Sprintf("%s:%d", address, service.Port), nil
}

// ResolveURL turns consul://name/path into http://host:port/path using a
// healthy instance of name. Other targets are returned unchanged.
func (sd *ServiceDiscovery) ResolveURL(ctx context.Context, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme != Scheme {
		return target, nil
	}
	hostport, err := sd.GetInstanceRoundRobin(ctx, u.Host)
	if err != nil {
		return "", err
	}
	u.Scheme = "http"
	u.Host = hostport
	return u.String(), nil
}

func durationOr(d, fallback time.Duration) string {
	if d <= 0 {
		d = fallback
	}
	return d.String()
}

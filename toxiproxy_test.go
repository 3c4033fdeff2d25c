//go:build chaos

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type toxiproxyClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

type proxy struct {
	Name     string `json:"name"`
	Listen   string `json:"listen"`
	Upstream string `json:"upstream"`
	Enabled  bool   `json:"enabled"`
}

type toxic struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Stream     string                 `json:"stream"`
	Toxicity   float32                `json:"toxicity"`
	Attributes map[string]interface{} `json:"attributes"`
}

func newToxiproxyClient(baseURL string) *toxiproxyClient {
	return &toxiproxyClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *toxiproxyClient) do(method, path string, body interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return errors.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	return nil
}

func (c *toxiproxyClient) createProxy(name, listen, upstream string) (*proxy, error) {
	p := &proxy{Name: name, Listen: listen, Upstream: upstream, Enabled: true}
	if err := c.do(http.MethodPost, "/proxies", p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *toxiproxyClient) addToxic(proxyName string, t *toxic) error {
	return c.do(http.MethodPost, "/proxies/"+proxyName+"/toxics", t)
}

func (c *toxiproxyClient) removeToxic(proxyName, toxicName string) error {
	return c.do(http.MethodDelete, "/proxies/"+proxyName+"/toxics/"+toxicName, nil)
}

func (c *toxiproxyClient) deleteProxy(name string) error {
	return c.do(http.MethodDelete, "/proxies/"+name, nil)
}

// chaosTestHelper puts a toxiproxy proxy in front of node addresses.
type chaosTestHelper struct {
	client       *toxiproxyClient
	proxies      map[string]*proxy
	proxyMapping map[string]string // original -> proxy address
}

func newChaosTestHelper(toxiproxyURL string) *chaosTestHelper {
	return &chaosTestHelper{
		client:       newToxiproxyClient(toxiproxyURL),
		proxies:      make(map[string]*proxy),
		proxyMapping: make(map[string]string),
	}
}

func (h *chaosTestHelper) setupProxy(name, addr string) (string, error) {
	proxyAddr := proxyAddress(addr)
	p, err := h.client.createProxy(name, proxyAddr, addr)
	if err != nil {
		return "", fmt.Errorf("failed to create proxy for %s: %v", addr, err)
	}
	h.proxies[name] = p
	h.proxyMapping[addr] = proxyAddr
	return proxyAddr, nil
}

func (h *chaosTestHelper) add(proxyName, kind string, attrs map[string]interface{}) (string, error) {
	t := &toxic{
		Name:       kind + "_" + proxyName,
		Type:       kind,
		Stream:     "downstream",
		Toxicity:   1.0,
		Attributes: attrs,
	}
	return t.Name, h.client.addToxic(proxyName, t)
}

// addLatency delays every chunk by latency plus up to jitter.
func (h *chaosTestHelper) addLatency(proxyName string, latency, jitter time.Duration) (string, error) {
	return h.add(proxyName, "latency", map[string]interface{}{
		"latency": int(latency.Milliseconds()),
		"jitter":  int(jitter.Milliseconds()),
	})
}

// addDataLimit closes connection after transmitting specified bytes
func (h *chaosTestHelper) addDataLimit(proxyName string, n int) (string, error) {
	return h.add(proxyName, "limit_data", map[string]interface{}{"bytes": n})
}

// addResetPeer simulates TCP RESET after optional timeout
func (h *chaosTestHelper) addResetPeer(proxyName string, timeout time.Duration) (string, error) {
	return h.add(proxyName, "reset_peer", map[string]interface{}{"timeout": int(timeout.Milliseconds())})
}

func (h *chaosTestHelper) cleanup() error {
	for name := range h.proxies {
		if err := h.client.deleteProxy(name); err != nil {
			return err
		}
	}
	h.proxies = make(map[string]*proxy)
	h.proxyMapping = make(map[string]string)
	return nil
}

func proxyAddress(originalAddr string) string {
	host, portStr, ok := strings.Cut(originalAddr, ":")
	if !ok {
		return originalAddr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return originalAddr
	}
	return fmt.Sprintf("%s:%d", host, port+10000)
}

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// CapabilitiesPath 能力探测端点
const CapabilitiesPath = "/cluster/capabilities"

// Capabilities 能力探测的响应体
type Capabilities struct {
	PermanentListeners bool `json:"permanent_listeners"`
}

// HTTPProber 通过 GET {addr}/cluster/capabilities 探测节点
type HTTPProber struct {
	client *resty.Client
}

// NewHTTPProber 创建探测器，client 为 nil 时使用新的 resty 客户端
//
// 超时由调用方的 ctx 控制。
func NewHTTPProber(client *resty.Client) *HTTPProber {
	if client == nil {
		client = resty.New()
	}
	return &HTTPProber{client: client}
}

// Probe 实现 Prober
func (p *HTTPProber) Probe(ctx context.Context, m Member) (bool, error) {
	if m.Addr == "" {
		return false, fmt.Errorf("cluster: member %s has no address", m.ID)
	}

	var caps Capabilities
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&caps).
		Get(capabilitiesURL(m.Addr))
	if err != nil {
		return false, fmt.Errorf("cluster: probe %s: %w", m.ID, err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("cluster: probe %s: unexpected status %d", m.ID, resp.StatusCode())
	}
	return caps.PermanentListeners, nil
}

func capabilitiesURL(addr string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + CapabilitiesPath
}

// CapabilityHandler 提供能力探测端点，capable 在每次请求时求值
func CapabilityHandler(capable func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Capabilities{PermanentListeners: capable()})
	})
}

package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gpusched/scheduler/domain"
)

// Probes run under the scheduler's health check timeout, so keep retries short.
const DefaultProbeTries = 2

const DefaultHealthPath = "health"

// Max bytes of a health response body that are read.
const maxHealthBody = 64 * 1024

func MakePesterClient() *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = DefaultProbeTries
	client.KeepLog = false
	client.LogHook = func(e pester.ErrEntry) {
		log.Infof("Retrying health probe after failed attempt: %+v", e)
	}
	return client
}

type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// HealthReport is the body a node agent serves at its health path.
type HealthReport struct {
	OK            bool             `json:"ok"`
	VRAMUsedRatio float64          `json:"vramUsedRatio"`
	TemperatureC  float64          `json:"temperatureC"`
	PowerMode     domain.PowerMode `json:"powerMode"`
}

// MakeHTTPProber probes each node by GETting <rootURI>/health from the
// node's agent. nodeURIs maps node id to the agent's root URI.
func MakeHTTPProber(nodeURIs map[string]string) domain.Prober {
	return MakeCustomHTTPProber(nodeURIs, DefaultHealthPath, MakePesterClient())
}

func MakeCustomHTTPProber(nodeURIs map[string]string, healthPath string, client Client) domain.Prober {
	uris := make(map[string]string, len(nodeURIs))
	for nodeID, rootURI := range nodeURIs {
		if !strings.HasSuffix(rootURI, "/") {
			rootURI = rootURI + "/"
		}
		uris[nodeID] = rootURI + strings.TrimPrefix(healthPath, "/")
	}
	log.Infof("Making new HTTP Prober for %d nodes", len(uris))
	return &httpProber{uris: uris, client: client}
}

type httpProber struct {
	uris   map[string]string
	client Client
}

func (p *httpProber) Probe(ctx context.Context, nodeID string) (domain.ProbeResult, error) {
	uri, ok := p.uris[nodeID]
	if !ok {
		return domain.ProbeResult{}, fmt.Errorf("no health uri for node %s", nodeID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return domain.ProbeResult{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.ProbeResult{}, errors.Wrapf(err, "probing %s", uri)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return domain.ProbeResult{}, errors.Wrapf(err, "reading health of %s", uri)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.ProbeResult{}, fmt.Errorf("probing %s: response status %s", uri, resp.Status)
	}

	var report HealthReport
	if err := json.Unmarshal(body, &report); err != nil {
		return domain.ProbeResult{}, errors.Wrapf(err, "decoding health of %s", uri)
	}
	return domain.ProbeResult{
		OK: report.OK,
		NodeMetrics: domain.NodeMetrics{
			VRAMUsedRatio: report.VRAMUsedRatio,
			TemperatureC:  report.TemperatureC,
			PowerMode:     report.PowerMode,
		},
	}, nil
}

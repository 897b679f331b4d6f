package overview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const liveFetchTimeout = 5 * time.Second

// LiveData is the live container metrics block composed into a
// Snapshot (spec §4.5).
type LiveData struct {
	Epics  EpicCounts  `json:"epics"`
	Agents AgentCounts `json:"agents"`
	Error  string      `json:"error,omitempty"`
}

// EpicCounts is the epic-count block of LiveData.
type EpicCounts struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// AgentCounts is the agent-activity block of LiveData.
type AgentCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

type liveDataResponse struct {
	Epics struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"byStatus"`
	} `json:"epics"`
	Agents struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"agents"`
}

// fetchLiveData fetches live epic/agent counts from the worktree's own
// container HTTP API. On any failure it returns a zeroed LiveData with
// Error populated rather than an error, so the caller can still cache
// the (failed) result and avoid retrying every request for a dead
// container (spec §4.5: "is still cached so that one failed worktree
// does not retry every request").
func fetchLiveData(ctx context.Context, client *http.Client, containerPort int64) LiveData {
	reqCtx, cancel := context.WithTimeout(ctx, liveFetchTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/overview", containerPort)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return LiveData{Error: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return LiveData{Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return LiveData{Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var parsed liveDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return LiveData{Error: err.Error()}
	}
	return LiveData{
		Epics:  EpicCounts{Total: parsed.Epics.Total, ByStatus: parsed.Epics.ByStatus},
		Agents: AgentCounts{Total: parsed.Agents.Total, Active: parsed.Agents.Active},
	}
}

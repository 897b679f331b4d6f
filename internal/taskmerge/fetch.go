// Package taskmerge implements the two-level idempotent import pipeline
// (spec §4.4): level 1 pulls epics/agents/statuses/profiles from a
// worktree's in-container HTTP API into dedup rows; level 2 optionally
// imports those rows into the main project's own epic table with
// topological parent resolution. Grounded on the teacher's
// internal/memory store for the "insert, ignore conflict" SQL idiom and
// internal/executor/dispatcher.go's per-key worker map for the
// process-wide merge lock.
package taskmerge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/orchestrator/devchain/internal/orcherr"
)

const fetchTimeout = 5 * time.Second

type sourceEpic struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	StatusID string `json:"statusId"`
	AgentID  string `json:"agentId"`
	ParentID string `json:"parentId"`
	Tags     []string `json:"tags"`
}

type sourceAgent struct {
	ID             string `json:"id"`
	DisplayName    string `json:"displayName"`
	ProfileID      string `json:"profileId"`
	EpicsCompleted int    `json:"epicsCompleted"`
}

type sourceStatus struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Color string `json:"color"`
}

type sourceProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// containerSnapshot is everything fetched from one worktree's container
// API for a single merge pass.
type containerSnapshot struct {
	Epics    []sourceEpic
	Agents   []sourceAgent
	Statuses []sourceStatus
	Profiles []sourceProfile
}

// fetcher fetches epics and agents concurrently, then statuses and
// profiles one after the other, from a worktree's container HTTP API,
// each request bounded by fetchTimeout
// (spec §4.4 step 2).
type fetcher struct {
	client *http.Client
}

func newFetcher() *fetcher {
	return &fetcher{client: &http.Client{Timeout: fetchTimeout}}
}

func (f *fetcher) fetchAll(ctx context.Context, baseURL, projectID string) (containerSnapshot, error) {
	var (
		snap containerSnapshot
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	addErr := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		epics, err := fetchList[sourceEpic](ctx, f.client, fmt.Sprintf("%s/api/epics?projectId=%s&limit=1000&type=all", baseURL, projectID))
		if err != nil {
			addErr(fmt.Errorf("fetch epics: %w", err))
			return
		}
		mu.Lock()
		snap.Epics = epics
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		agents, err := fetchList[sourceAgent](ctx, f.client, fmt.Sprintf("%s/api/agents?projectId=%s&limit=1000", baseURL, projectID))
		if err != nil {
			addErr(fmt.Errorf("fetch agents: %w", err))
			return
		}
		mu.Lock()
		snap.Agents = agents
		mu.Unlock()
	}()
	wg.Wait()
	if len(errs) > 0 {
		return containerSnapshot{}, orcherr.NewExternal("taskmerge.fetchAll", baseURL, errs[0])
	}

	// Statuses and profiles are optional: missing or erroring endpoints
	// fall back to empty lists, never fail the merge (spec §4.4 step 2).
	statuses, err := fetchList[sourceStatus](ctx, f.client, fmt.Sprintf("%s/api/statuses?projectId=%s&limit=1000", baseURL, projectID))
	if err == nil {
		snap.Statuses = statuses
	}

	profiles, err := fetchList[sourceProfile](ctx, f.client, fmt.Sprintf("%s/api/agent-profiles?projectId=%s&limit=1000", baseURL, projectID))
	if err != nil {
		profiles, err = fetchList[sourceProfile](ctx, f.client, fmt.Sprintf("%s/api/profiles?projectId=%s", baseURL, projectID))
	}
	if err == nil {
		snap.Profiles = profiles
	}

	return snap, nil
}

func fetchList[T any](ctx context.Context, client *http.Client, url string) ([]T, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	var parsed listResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", url, err)
	}
	return parsed.Items, nil
}

package taskmerge

import "strings"

const (
	untitledEpic    = "Untitled Epic"
	unknownColor    = "#6c757d"
)

// normalizeEpics trims ids, defaults blank titles, and drops entries
// missing an id (spec §4.4 step 3).
func normalizeEpics(in []sourceEpic) []sourceEpic {
	out := make([]sourceEpic, 0, len(in))
	for _, e := range in {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			continue
		}
		if strings.TrimSpace(e.Title) == "" {
			e.Title = untitledEpic
		}
		e.StatusID = strings.TrimSpace(e.StatusID)
		e.AgentID = strings.TrimSpace(e.AgentID)
		e.ParentID = strings.TrimSpace(e.ParentID)
		out = append(out, e)
	}
	return out
}

func normalizeAgents(in []sourceAgent) []sourceAgent {
	out := make([]sourceAgent, 0, len(in))
	for _, a := range in {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			continue
		}
		if strings.TrimSpace(a.DisplayName) == "" {
			a.DisplayName = a.ID
		}
		out = append(out, a)
	}
	return out
}

type statusInfo struct {
	Label string
	Color string
}

// buildStatusMap resolves sourceStatusId → {label, color}, using
// "Unknown (<id>)" / unknownColor for any id absent from statuses
// (spec §4.4 step 4).
func buildStatusMap(statuses []sourceStatus, referencedIDs []string) map[string]statusInfo {
	byID := make(map[string]statusInfo, len(statuses))
	for _, s := range statuses {
		byID[s.ID] = statusInfo{Label: s.Label, Color: s.Color}
	}
	out := make(map[string]statusInfo, len(referencedIDs))
	for _, id := range referencedIDs {
		if id == "" {
			continue
		}
		if info, ok := byID[id]; ok {
			out[id] = info
			continue
		}
		out[id] = statusInfo{Label: "Unknown (" + id + ")", Color: unknownColor}
	}
	return out
}

// buildProfileMap maps profileId → profile display name. Callers fall
// back to the agent's own displayName when an agent's profileId has no
// entry.
func buildProfileMap(profiles []sourceProfile) map[string]string {
	out := make(map[string]string, len(profiles))
	for _, p := range profiles {
		out[p.ID] = p.DisplayName
	}
	return out
}

// countEpicsPerAgent counts epics per agentId as the canonical
// "epicsCompleted" fallback when the container's agent payload omits it
// (spec §4.4 step 5).
func countEpicsPerAgent(epics []sourceEpic) map[string]int {
	out := make(map[string]int)
	for _, e := range epics {
		if e.AgentID == "" {
			continue
		}
		out[e.AgentID]++
	}
	return out
}

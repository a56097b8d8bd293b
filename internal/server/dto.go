package server

import (
	"encoding/json"

	"updatebot/internal/domain"
	"updatebot/internal/notify"
)

// Request payloads

type CrawlRequest struct {
	Deployment string `json:"deployment,omitempty" doc:"only crawl the root deployment with this name"`
}

// Response payloads

type DeploymentList struct {
	Items []domain.DeploymentNode `json:"items"`
}

type DeploymentDetail struct {
	domain.DeploymentNode
	Artifacts []domain.ArtifactRef `json:"artifacts"`
	Resources []domain.Resource    `json:"resources"`
}

type TreeResponse struct {
	Deployment domain.DeploymentNode           `json:"deployment"`
	Outputs    []domain.ArtifactRef            `json:"outputs"`
	Derived    map[string][]domain.ArtifactRef `json:"derived,omitempty"`
	Children   []TreeResponse                  `json:"children"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RootID     string         `json:"root_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Level      string         `json:"level"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func deploymentDetail(n domain.DeploymentNode, artifacts []domain.ArtifactRef, resources []domain.Resource) DeploymentDetail {
	if artifacts == nil {
		artifacts = []domain.ArtifactRef{}
	}
	if resources == nil {
		resources = []domain.Resource{}
	}
	return DeploymentDetail{DeploymentNode: n, Artifacts: artifacts, Resources: resources}
}

func treeResponse(t notify.Tree) TreeResponse {
	resp := TreeResponse{
		Deployment: t.Node,
		Outputs:    t.Outputs,
		Derived:    t.Derived,
		Children:   []TreeResponse{},
	}
	if resp.Outputs == nil {
		resp.Outputs = []domain.ArtifactRef{}
	}
	for _, c := range t.Children {
		resp.Children = append(resp.Children, treeResponse(c))
	}
	return resp
}

func eventResponse(evt domain.Event) EventResponse {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		RootID:     evt.RootID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Level:      evt.Level,
		Payload:    payload,
	}
}

package sdk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/protocol"
)

// Message is a structured direct-message body. Extra carries fields beyond
// the framing ones and is flattened into the payload.
type Message struct {
	Kind          string                 `json:"kind,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Extra         map[string]interface{} `json:"-"`
}

func (m Message) payload() core.Payload {
	p := core.Payload{}
	for k, v := range m.Extra {
		p[k] = v
	}
	if m.Kind != "" {
		p["kind"] = m.Kind
	}
	if m.Description != "" {
		p["description"] = m.Description
	}
	if m.Priority != "" {
		p["priority"] = m.Priority
	}
	if m.Data != nil {
		p["data"] = m.Data
	}
	if m.CorrelationID != "" {
		p["correlation_id"] = m.CorrelationID
	}
	return p
}

// SendResult is the hub's reply to a send.
type SendResult struct {
	MessageID string
	Status    string // delivered | queued
}

// SendDM sends a direct message. With Options.Seal the body travels
// encrypted and signed; the hub opens it before routing.
func (c *Client) SendDM(ctx context.Context, to string, msg Message) (SendResult, error) {
	body := map[string]interface{}{
		"to":             to,
		"correlation_id": msg.CorrelationID,
	}
	if c.keys != nil {
		sealed, err := c.keys.Seal(msg.payload())
		if err != nil {
			return SendResult{}, fmt.Errorf("sdk: seal message: %w", err)
		}
		body["sealed"] = sealed
	} else {
		body["message"] = msg.payload()
	}

	reply, err := c.Push(ctx, c.fleetTopic(), protocol.EventMessageSend, body)
	if err != nil {
		return SendResult{}, err
	}
	id, _ := reply.Response["message_id"].(string)
	status, _ := reply.Response["status"].(string)
	return SendResult{MessageID: id, Status: status}, nil
}

// BroadcastResult is the hub's reply to a broadcast.
type BroadcastResult struct {
	Scope     string
	Delivered int
}

// Broadcast fans a message out. Scope is "fleet", "squad" (the sender's
// own), or "squad:{id}".
func (c *Client) Broadcast(ctx context.Context, scope string, msg Message) (BroadcastResult, error) {
	reply, err := c.Push(ctx, c.fleetTopic(), protocol.EventMessageBroadcast, map[string]interface{}{
		"scope":   scope,
		"message": msg.payload(),
	})
	if err != nil {
		return BroadcastResult{}, err
	}
	delivered, _ := reply.Response["delivered"].(float64)
	s, _ := reply.Response["scope"].(string)
	return BroadcastResult{Scope: s, Delivered: int(delivered)}, nil
}

// Escalate raises an escalation toward a role.
func (c *Client) Escalate(ctx context.Context, toRole, priority string, msg Message) (string, error) {
	reply, err := c.Push(ctx, c.fleetTopic(), protocol.EventMessageEscalate, map[string]interface{}{
		"to_role":  toRole,
		"priority": priority,
		"message":  msg.payload(),
	})
	if err != nil {
		return "", err
	}
	id, _ := reply.Response["escalation_id"].(string)
	return id, nil
}

// ThreadReply appends to a thread.
func (c *Client) ThreadReply(ctx context.Context, threadID, body string, refs []string) (string, error) {
	reply, err := c.Push(ctx, c.fleetTopic(), protocol.EventThreadReply, map[string]interface{}{
		"thread_id": threadID,
		"body":      body,
		"refs":      refs,
	})
	if err != nil {
		return "", err
	}
	id, _ := reply.Response["message_id"].(string)
	return id, nil
}

// UpdatePresence declares the agent's availability and current task.
func (c *Client) UpdatePresence(ctx context.Context, state, task string) error {
	_, err := c.Push(ctx, c.fleetTopic(), protocol.EventPresenceUpdate, map[string]interface{}{
		"state": state,
		"task":  task,
	})
	return err
}

// PresenceEntry is one agent in the fleet roster.
type PresenceEntry struct {
	AgentID  string `json:"agent_id"`
	State    string `json:"state"`
	Task     string `json:"task,omitempty"`
	LastSeen string `json:"last_seen"`
}

// Roster fetches the fleet's presence roster.
func (c *Client) Roster(ctx context.Context) ([]PresenceEntry, error) {
	reply, err := c.Push(ctx, c.fleetTopic(), protocol.EventPresenceRoster, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(reply.Response["roster"])
	if err != nil {
		return nil, err
	}
	var roster []PresenceEntry
	if err := json.Unmarshal(raw, &roster); err != nil {
		return nil, err
	}
	return roster, nil
}

// BroadcastActivity emits a fleet-visible activity event.
func (c *Client) BroadcastActivity(ctx context.Context, kind, description string, tags []string, data map[string]interface{}) error {
	_, err := c.Push(ctx, c.fleetTopic(), protocol.EventActivityBroadcast, map[string]interface{}{
		"kind":        kind,
		"description": description,
		"tags":        tags,
		"data":        data,
	})
	return err
}

// File is a fetched sync file.
type File struct {
	Key         string
	ContentType string
	Hash        string
	Data        []byte
}

// PutFile stores a file on the fleet's sync surface. The sync:files channel
// must be joined first.
func (c *Client) PutFile(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	reply, err := c.Push(ctx, "sync:files", protocol.EventFilePut, map[string]interface{}{
		"key":          key,
		"data":         base64.StdEncoding.EncodeToString(data),
		"content_type": contentType,
	})
	if err != nil {
		return "", err
	}
	hash, _ := reply.Response["hash"].(string)
	return hash, nil
}

// GetFile fetches a file.
func (c *Client) GetFile(ctx context.Context, key string) (File, error) {
	reply, err := c.Push(ctx, "sync:files", protocol.EventFileGet, map[string]interface{}{"key": key})
	if err != nil {
		return File{}, err
	}
	record, _ := reply.Response["file"].(map[string]interface{})
	encoded, _ := record["data"].(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return File{}, fmt.Errorf("sdk: malformed file data: %w", err)
	}
	contentType, _ := record["content_type"].(string)
	hash, _ := record["hash"].(string)
	return File{Key: key, ContentType: contentType, Hash: hash, Data: data}, nil
}

// DeleteFile removes a file.
func (c *Client) DeleteFile(ctx context.Context, key string) error {
	_, err := c.Push(ctx, "sync:files", protocol.EventFileDelete, map[string]interface{}{"key": key})
	return err
}

// ListFiles lists file metadata under a prefix.
func (c *Client) ListFiles(ctx context.Context, prefix string) ([]map[string]interface{}, error) {
	reply, err := c.Push(ctx, "sync:files", protocol.EventFileList, map[string]interface{}{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	raw, _ := reply.Response["files"].([]interface{})
	files := make([]map[string]interface{}, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]interface{}); ok {
			files = append(files, m)
		}
	}
	return files, nil
}

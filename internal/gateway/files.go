package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/ringforge/hub/internal/core"
	"github.com/ringforge/hub/internal/kv"
	"github.com/ringforge/hub/internal/protocol"
)

// FileTopic is the channel topic for the fleet's shared file surface.
const FileTopic = "sync:files"

// maxFileSize bounds a single stored file. Larger artifacts belong in object
// storage, not the coordination KV.
const maxFileSize = 1 << 20

// fileRecord is the stored form of one synced file.
type fileRecord struct {
	Key         string `json:"key"`
	Data        string `json:"data"` // base64
	ContentType string `json:"content_type,omitempty"`
	Hash        string `json:"hash"` // sha256 hex of the decoded bytes
	Size        int    `json:"size"`
	UpdatedBy   string `json:"updated_by"`
	UpdatedAt   string `json:"updated_at"`
}

// fileMeta is the listing form, without the payload.
type fileMeta struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	Hash        string `json:"hash"`
	Size        int    `json:"size"`
	UpdatedBy   string `json:"updated_by"`
	UpdatedAt   string `json:"updated_at"`
}

func fileKey(fleetID, key string) string { return "file:" + fleetID + ":" + key }
func filePrefix(fleetID string) string   { return "file:" + fleetID + ":" }
func fileBusTopic(fleetID string) string { return "fleet:" + fleetID + ":files" }

func (s *session) handleFile(ctx context.Context, frame protocol.Frame) {
	var req struct {
		Key         string `json:"key"`
		Prefix      string `json:"prefix"`
		Data        string `json:"data"`
		ContentType string `json:"content_type"`
	}
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.replyError(frame, map[string]interface{}{"error": "malformed_payload"})
		return
	}

	switch frame.Event {
	case protocol.EventFileList:
		s.fileList(ctx, frame, req.Prefix)
	case protocol.EventFileGet:
		s.fileGet(ctx, frame, req.Key)
	case protocol.EventFilePut:
		s.filePut(ctx, frame, req.Key, req.Data, req.ContentType)
	case protocol.EventFileDelete:
		s.fileDelete(ctx, frame, req.Key)
	}
}

func (s *session) fileList(ctx context.Context, frame protocol.Frame, prefix string) {
	entries, err := s.gw.files.List(ctx, filePrefix(s.fleetID)+prefix)
	if err != nil {
		s.replyError(frame, core.StoreFailed(err).Response())
		return
	}
	files := make([]fileMeta, 0, len(entries))
	for _, entry := range entries {
		var rec fileRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			s.gw.logger.Warn("gateway: corrupt file record skipped", "key", entry.Key, "error", err)
			continue
		}
		files = append(files, fileMeta{
			Key:         rec.Key,
			ContentType: rec.ContentType,
			Hash:        rec.Hash,
			Size:        rec.Size,
			UpdatedBy:   rec.UpdatedBy,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	s.reply(frame, protocol.OK(map[string]interface{}{"files": files}))
}

func (s *session) fileGet(ctx context.Context, frame protocol.Frame, key string) {
	if key == "" {
		s.replyError(frame, map[string]interface{}{"error": "missing_key"})
		return
	}
	raw, err := s.gw.files.Get(ctx, fileKey(s.fleetID, key))
	if errors.Is(err, kv.ErrNotFound) {
		s.replyError(frame, map[string]interface{}{"error": "file_not_found", "key": key})
		return
	}
	if err != nil {
		s.replyError(frame, core.StoreFailed(err).Response())
		return
	}
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.replyError(frame, map[string]interface{}{"error": "file_not_found", "key": key})
		return
	}
	s.reply(frame, protocol.OK(map[string]interface{}{"file": rec}))
}

func (s *session) filePut(ctx context.Context, frame protocol.Frame, key, data, contentType string) {
	if key == "" {
		s.replyError(frame, map[string]interface{}{"error": "missing_key"})
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.replyError(frame, map[string]interface{}{"error": "malformed_data"})
		return
	}
	if len(decoded) > maxFileSize {
		s.replyError(frame, map[string]interface{}{"error": "file_too_large", "max_bytes": maxFileSize})
		return
	}

	sum := sha256.Sum256(decoded)
	rec := fileRecord{
		Key:         key,
		Data:        data,
		ContentType: contentType,
		Hash:        hex.EncodeToString(sum[:]),
		Size:        len(decoded),
		UpdatedBy:   s.agentID,
		UpdatedAt:   core.Timestamp(time.Now()),
	}
	if err := s.gw.files.Put(ctx, fileKey(s.fleetID, key), core.MustJSON(rec)); err != nil {
		s.replyError(frame, core.StoreFailed(err).Response())
		return
	}

	s.gw.bus.Publish(ctx, fileBusTopic(s.fleetID), "file:changed", fileMeta{
		Key:         rec.Key,
		ContentType: rec.ContentType,
		Hash:        rec.Hash,
		Size:        rec.Size,
		UpdatedBy:   rec.UpdatedBy,
		UpdatedAt:   rec.UpdatedAt,
	})
	s.reply(frame, protocol.OK(map[string]interface{}{
		"key":  rec.Key,
		"hash": rec.Hash,
		"size": rec.Size,
	}))
}

func (s *session) fileDelete(ctx context.Context, frame protocol.Frame, key string) {
	if key == "" {
		s.replyError(frame, map[string]interface{}{"error": "missing_key"})
		return
	}
	if err := s.gw.files.Delete(ctx, fileKey(s.fleetID, key)); err != nil {
		s.replyError(frame, core.StoreFailed(err).Response())
		return
	}
	s.gw.bus.Publish(ctx, fileBusTopic(s.fleetID), "file:deleted", map[string]string{
		"key":        key,
		"deleted_by": s.agentID,
	})
	s.reply(frame, protocol.OK(map[string]interface{}{"key": key}))
}

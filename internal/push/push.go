// Package push defines the outbound push sink contract and a logging
// implementation used when no real delivery backend is configured.
package push

import (
	"time"

	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/logger"
)

// ContentState is the live-status snapshot delivered to the owner's
// devices.
type ContentState struct {
	Status             string `json:"status"`
	ActiveTool         string `json:"activeTool,omitempty"`
	PendingPermissions int    `json:"pendingPermissions"`
	LastEvent          string `json:"lastEvent,omitempty"`
	ElapsedSeconds     int64  `json:"elapsedSeconds"`
}

// Sink is the opaque delivery collaborator. Retries and delivery status
// are the sink's responsibility, not the caller's.
type Sink interface {
	SendPermissionPush(deviceToken string, payload map[string]interface{}) bool
	SendSessionEventPush(deviceToken string, payload map[string]interface{}) bool
	SendLiveActivityUpdate(pushToken string, contentState ContentState, staleDate *time.Time, priority int) bool
	EndLiveActivity(pushToken string, contentState ContentState, dismissalDate *time.Time, priority int) bool
	Shutdown()
}

// LogSink logs every delivery instead of sending it. Used in development
// and whenever push is disabled.
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a sink that only logs.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.WithFields(zap.String("component", "push_sink"))}
}

func (s *LogSink) SendPermissionPush(deviceToken string, payload map[string]interface{}) bool {
	s.logger.Info("permission push",
		zap.String("device_token", truncateToken(deviceToken)),
		zap.Any("payload", payload))
	return true
}

func (s *LogSink) SendSessionEventPush(deviceToken string, payload map[string]interface{}) bool {
	s.logger.Info("session event push",
		zap.String("device_token", truncateToken(deviceToken)),
		zap.Any("payload", payload))
	return true
}

func (s *LogSink) SendLiveActivityUpdate(pushToken string, contentState ContentState, staleDate *time.Time, priority int) bool {
	s.logger.Info("live activity update",
		zap.String("push_token", truncateToken(pushToken)),
		zap.String("status", contentState.Status),
		zap.Int("priority", priority))
	return true
}

func (s *LogSink) EndLiveActivity(pushToken string, contentState ContentState, dismissalDate *time.Time, priority int) bool {
	s.logger.Info("live activity end",
		zap.String("push_token", truncateToken(pushToken)),
		zap.String("status", contentState.Status))
	return true
}

func (s *LogSink) Shutdown() {}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}

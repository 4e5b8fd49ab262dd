package services

import (
	"fmt"
	"sync"
	"time"

	"care-transitions-api/pkg/models"

	"github.com/gin-gonic/gin"
)

// maxAuditEvents bounds the in-memory trail.
const maxAuditEvents = 2000

// RequestLogEntry records one handled HTTP request.
type RequestLogEntry struct {
	Timestamp    time.Time     `json:"timestamp"`
	Path         string        `json:"path"`
	Method       string        `json:"method"`
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
}

// AuditService keeps a bounded in-memory trail of orchestration events
// (sends, misses, escalations, SLA breaches) plus a request log, both
// served to staff through the ops endpoints.
type AuditService struct {
	clock    func() time.Time
	events   []models.AuditEvent
	requests []RequestLogEntry
	mu       sync.RWMutex
}

// NewAuditService creates an empty audit trail.
func NewAuditService(clock func() time.Time) *AuditService {
	if clock == nil {
		clock = time.Now
	}
	return &AuditService{clock: clock}
}

// Record appends one orchestration event, dropping the oldest entries
// once the bound is reached.
func (s *AuditService) Record(episodeID, eventType, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, models.AuditEvent{
		Timestamp: s.clock(),
		EpisodeID: episodeID,
		Type:      eventType,
		Detail:    fmt.Sprintf(format, args...),
	})
	if len(s.events) > maxAuditEvents {
		s.events = s.events[len(s.events)-maxAuditEvents:]
	}
}

// Events returns up to limit most recent events, newest last.
func (s *AuditService) Events(limit int) []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]models.AuditEvent, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out
}

// EventsByEpisode filters the trail for one episode.
func (s *AuditService) EventsByEpisode(episodeID string) []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEvent
	for _, e := range s.events {
		if e.EpisodeID == episodeID {
			out = append(out, e)
		}
	}
	return out
}

// LoggingMiddleware records request metadata for every handled route.
func (s *AuditService) LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := RequestLogEntry{
			Timestamp:    start,
			Path:         c.Request.URL.Path,
			Method:       c.Request.Method,
			StatusCode:   c.Writer.Status(),
			ResponseTime: time.Since(start),
		}
		s.mu.Lock()
		s.requests = append(s.requests, entry)
		if len(s.requests) > maxAuditEvents {
			s.requests = s.requests[len(s.requests)-maxAuditEvents:]
		}
		s.mu.Unlock()
	}
}

// RecentRequests returns up to limit most recent request log entries.
func (s *AuditService) RecentRequests(limit int) []RequestLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.requests) {
		limit = len(s.requests)
	}
	out := make([]RequestLogEntry, limit)
	copy(out, s.requests[len(s.requests)-limit:])
	return out
}

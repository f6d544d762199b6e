// Package alert delivers operator notifications to chat channels
package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"funding_arb/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

var severity = map[AlertLevel]int{Info: 0, Warning: 1, Error: 2, Critical: 3}

// ParseLevel maps a config string to a level, defaulting to Info
func ParseLevel(s string) AlertLevel {
	l := AlertLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severity[l]; !ok {
		return Info
	}
	return l
}

// AtLeast reports whether l is as severe as min
func (l AlertLevel) AtLeast(min AlertLevel) bool {
	return severity[l] >= severity[min]
}

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

const sendTimeout = 10 * time.Second

type AlertManager struct {
	channels []AlertChannel
	minLevel AlertLevel
	logger   core.ILogger
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

func NewAlertManager(minLevel AlertLevel, logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		minLevel: minLevel,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) Channels() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.channels)
}

// Alert fans the payload out to every channel without blocking the caller.
// Delivery failures are logged, never returned.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	if !level.AtLeast(am.minLevel) {
		return
	}
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	// detached so a cancelled cycle still gets its alerts out
	base := context.WithoutCancel(ctx)
	for _, ch := range am.channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			sendCtx, cancel := context.WithTimeout(base, sendTimeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Wait blocks until every dispatched alert has been delivered or failed
func (am *AlertManager) Wait() {
	am.inflight.Wait()
}

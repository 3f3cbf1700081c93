// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured logging with conversation-level correlation
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry represents a structured log entry. ConversationID and RequestID
// correlate a line with one deliberation run.
type LogEntry struct {
	Timestamp      string                 `json:"timestamp"`
	Level          LogLevel               `json:"level"`
	Component      string                 `json:"component"`
	InstanceID     string                 `json:"instance_id"`
	Container      string                 `json:"container"`
	ConversationID string                 `json:"conversation_id"`
	RequestID      string                 `json:"request_id,omitempty"`
	Message        string                 `json:"message"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Get instance ID from environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	// Get container name from hostname
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, conversationID, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:          level,
		Component:      l.Component,
		InstanceID:     l.InstanceID,
		Container:      l.Container,
		ConversationID: conversationID,
		RequestID:      requestID,
		Message:        message,
		Fields:         fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	// Write JSON log to stdout (Docker will capture this)
	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, conversationID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, conversationID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, conversationID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(conversationID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, conversationID, requestID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(conversationID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(conversationID, requestID, message, fields)
}

// ErrorWithStage logs an error tied to a specific deliberation stage
func (l *Logger) ErrorWithStage(conversationID, requestID, message, stage string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["stage"] = stage
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(conversationID, requestID, message, fields)
}

/*
Package logger provides structured JSON logging for Conclave components.

# Overview

The logger outputs single-line JSON to stdout, making logs easily consumable
by CloudWatch, ELK, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (council, catalog, etc.)
  - Instance ID and container name (for distributed tracing)
  - Conversation ID (correlates entries belonging to one deliberation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("council")

Log messages with conversation and request context:

	log.Info("conv-123", "req-456", "Stage 1 complete", map[string]interface{}{
	    "models":   5,
	    "failures": 1,
	})

Log stage errors:

	log.ErrorWithStage("conv-123", "req-456", "Chairman call failed", "stage3", err, nil)

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger

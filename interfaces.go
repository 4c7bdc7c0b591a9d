package redisfailover

import "time"

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// Logger interface for custom logging implementations
type Logger interface {
	// Debug logs a debug message with optional fields
	Debug(msg string, fields ...Field)

	// Info logs an info message with optional fields
	Info(msg string, fields ...Field)

	// Error logs an error message with optional fields
	Error(msg string, fields ...Field)
}

// MetricsCollector interface for metrics collection
type MetricsCollector interface {
	// RecordAcquire records a pool acquisition for "write" or "read" and how
	// long it waited
	RecordAcquire(role string, wait time.Duration)

	// RecordConnection records a connection event: created, destroyed or evicted
	RecordConnection(event string)

	// RecordFailover records a topology switch applied to the pool
	RecordFailover()

	// RecordReconnection records a sentinel reconnection attempt
	RecordReconnection()

	// RecordError records an error event
	RecordError(errorType string)
}

// Serializer converts values stored with SetValue and read with GetValue
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

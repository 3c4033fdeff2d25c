package hooks

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/core/dto"
	"go.uber.org/atomic"
)

// MetricsHook counts put and incoming requests
type MetricsHook struct {
	putCount      *atomic.Uint64
	incomingCount *atomic.Uint64
	incomingBytes *atomic.Uint64
	startTime     time.Time
}

// NewMetricsHook creates a new metrics hook
func NewMetricsHook() *MetricsHook {
	return &MetricsHook{
		putCount:      atomic.NewUint64(0),
		incomingCount: atomic.NewUint64(0),
		incomingBytes: atomic.NewUint64(0),
		startTime:     time.Now(),
	}
}

// OnPut increments the put counter and logs metrics
func (m *MetricsHook) OnPut(req *dto.PutRequest) bool {
	n := m.putCount.Inc()
	log.WithFields(log.Fields{
		"file":      req.SourceFileName,
		"put_count": n,
		"uptime":    time.Since(m.startTime),
	}).Info("Metrics: put request")
	return true
}

// OnIncoming increments the incoming counters and logs metrics
func (m *MetricsHook) OnIncoming(req *dto.IncomingRequest) bool {
	n := m.incomingCount.Inc()
	total := m.incomingBytes.Add(req.FileSize)
	log.WithFields(log.Fields{
		"tx":             req.ID.String(),
		"incoming_count": n,
		"announced":      humanize.IBytes(total),
		"uptime":         time.Since(m.startTime),
	}).Info("Metrics: incoming transfer")
	return true
}

// GetStats returns current statistics
func (m *MetricsHook) GetStats() (puts uint64, incoming uint64, incomingBytes uint64, uptime time.Duration) {
	return m.putCount.Load(), m.incomingCount.Load(), m.incomingBytes.Load(), time.Since(m.startTime)
}

// ValidationHook validates requests before processing
type ValidationHook struct {
	maxNameLength int
	maxFileSize   uint64
}

// NewValidationHook creates a new validation hook
func NewValidationHook(maxNameLength int, maxFileSize uint64) *ValidationHook {
	return &ValidationHook{
		maxNameLength: maxNameLength,
		maxFileSize:   maxFileSize,
	}
}

// OnPut validates the put request
func (v *ValidationHook) OnPut(req *dto.PutRequest) bool {
	if req.SourceFileName == "" {
		log.Error("Source file name is empty")
		return false
	}

	if len(req.SourceFileName) > v.maxNameLength || len(req.DestinationFileName) > v.maxNameLength {
		log.Errorf("File name too long: max %d", v.maxNameLength)
		return false
	}

	log.Debugf("Validation passed for put of %s", req.SourceFileName)
	return true
}

// OnIncoming validates the announced file
func (v *ValidationHook) OnIncoming(req *dto.IncomingRequest) bool {
	if req.DestinationFileName == "" {
		log.Error("Destination file name is empty")
		return false
	}

	if req.FileSize > v.maxFileSize {
		log.Errorf("File too large: %s > %s", humanize.IBytes(req.FileSize), humanize.IBytes(v.maxFileSize))
		return false
	}

	log.Debugf("Validation passed for incoming %s", req.DestinationFileName)
	return true
}

// AuditHook appends one JSON line per request to an audit file.
type AuditHook struct {
	file   *os.File
	logger *log.Logger
}

// NewAuditHook opens (or creates) the audit file at path for appending.
func NewAuditHook(path string) (*AuditHook, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}
	logger := log.New()
	logger.SetOutput(f)
	logger.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	return &AuditHook{file: f, logger: logger}, nil
}

// OnPut records a put request.
func (a *AuditHook) OnPut(req *dto.PutRequest) bool {
	a.logger.WithFields(log.Fields{
		"source":      req.SourceFileName,
		"destination": req.DestinationFileName,
		"entity":      req.Destination,
	}).Info("put")
	return true
}

// OnIncoming records an announced incoming file.
func (a *AuditHook) OnIncoming(req *dto.IncomingRequest) bool {
	a.logger.WithFields(log.Fields{
		"tx":          req.ID.String(),
		"source":      req.SourceFileName,
		"destination": req.DestinationFileName,
		"size":        req.FileSize,
	}).Info("incoming")
	return true
}

// Close closes the audit file.
func (a *AuditHook) Close() error {
	return a.file.Close()
}

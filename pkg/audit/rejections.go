package audit

import "context"

// RejectionRecorder adapts the audit log to the authentication gate's
// rejection hook. Only the payload size and digest are recorded; the
// rejected payload never reaches any log.
type RejectionRecorder struct {
	log Logger
}

// NewRejectionRecorder wraps a Logger for use by the gate.
func NewRejectionRecorder(log Logger) *RejectionRecorder {
	return &RejectionRecorder{log: log}
}

func (r *RejectionRecorder) RecordRejection(payloadSize int, payloadDigest string, reason string) {
	_ = r.log.Record(context.Background(), EventRejected, "", "auth.reject", "ingest", map[string]interface{}{
		"payload_size":   payloadSize,
		"payload_digest": payloadDigest,
		"reason":         reason,
	})
}

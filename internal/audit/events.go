package audit

// Event type constants. The audit trail is the only place where security
// rejection detail is recorded; client-visible errors stay generic.
const (
	EventAuditStart        = "AUDIT_START"
	EventSegmentRotated    = "SEGMENT_ROTATED"
	EventFileAccess        = "FILE_ACCESS"
	EventSecurityViolation = "SECURITY_VIOLATION"
	EventEgressStatus      = "EGRESS_STATUS_CHANGE"
	EventEmergencyShutdown = "EMERGENCY_SHUTDOWN"
	EventSitePublished     = "SITE_PUBLISHED"
	EventSiteWithdrawn     = "SITE_WITHDRAWN"
)

// Violation types recorded under SECURITY_VIOLATION.
const (
	ViolationSignature = "signature"
	ViolationSequence  = "sequence"
	ViolationPath      = "path"
)

// FileAccess records a serve attempt for a site path.
func (c *Chain) FileAccess(siteID, path string, success bool, clientIP string) error {
	return c.Append(EventFileAccess, map[string]any{
		"site_id":   siteID,
		"filepath":  path,
		"success":   success,
		"client_ip": clientIP,
	})
}

// SecurityViolation records a rejected signature, sequence regression,
// or path escape with full internal detail.
func (c *Chain) SecurityViolation(violationType string, details map[string]any) error {
	return c.Append(EventSecurityViolation, map[string]any{
		"type":    violationType,
		"details": details,
	})
}

// EgressStatusChange records a safety transition observed by the
// network monitor.
func (c *Chain) EgressStatusChange(wasSafe, isSafe bool, observedAddr string) error {
	return c.Append(EventEgressStatus, map[string]any{
		"was_safe":  wasSafe,
		"is_safe":   isSafe,
		"public_ip": observedAddr,
	})
}

// EmergencyShutdown records the kill switch firing.
func (c *Chain) EmergencyShutdown(reason string) error {
	return c.Append(EventEmergencyShutdown, map[string]any{
		"reason": reason,
	})
}

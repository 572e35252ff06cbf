package scenario

import (
	"fmt"
	"strings"
)

// EncodeText renders the scenario as a deterministic textual encoding for
// embedding and similarity search. Field order is fixed so that structurally
// equal scenarios always produce byte-identical encodings.
func (c *Context) EncodeText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task=%s priority=%s progress=%.2f impact=%.2f ",
		c.TaskType, c.Priority, c.Progress, c.ImpactLevel)
	fmt.Fprintf(&b, "reason=%s urgency=%s force=%s retries=%d ",
		c.Reason, c.Urgency, c.Force, c.RetryCount)
	fmt.Fprintf(&b, "compliance=%.2f resistance=%.2f trust=%.2f ",
		c.ComplianceHistory, c.RecentResistance, c.TrustScore)
	fmt.Fprintf(&b, "resources=%.2f errors=%.2f connections=%d integrity=%.2f state=%s",
		c.ResourceUsage, c.ErrorRate, c.ActiveConnections, c.DataIntegrity, c.SystemState)
	return b.String()
}

// Features returns the normalized feature vector handed to the external
// policy collaborator. Order is part of the collaborator contract and must
// not change between releases.
func (c *Context) Features() []float64 {
	return []float64{
		Clamp01(c.Priority.Score()),
		Clamp01(c.Progress),
		Clamp01(c.ImpactLevel),
		Clamp01(c.Urgency.Score()),
		Clamp01(c.Force.Score()),
		Clamp01(float64(c.RetryCount) / 5.0),
		Clamp01(c.ComplianceHistory),
		Clamp01(c.RecentResistance),
		Clamp01(c.TrustScore),
		Clamp01(c.ResourceUsage),
		Clamp01(c.ErrorRate),
		Clamp01(c.DataIntegrity),
	}
}

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"riskflow/pkg/models"
)

// Seal computes the chained hash of rec. PrevHash must already be set.
func Seal(rec *models.DynamicRiskStateRecord) string {
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(rec.RiskID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(rec.PreviousState))
	h.Write([]byte{0})
	h.Write([]byte(rec.CurrentState))
	h.Write([]byte{0})
	h.Write([]byte(rec.TransitionReason))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(rec.Automated)))
	h.Write([]byte{0})
	if rec.ActorID != nil {
		h.Write([]byte(strconv.FormatInt(*rec.ActorID, 10)))
	}
	h.Write([]byte{0})
	h.Write([]byte(rec.CreatedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// recordTime normalizes timestamps to the precision every backend keeps.
func recordTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

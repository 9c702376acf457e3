package renewal

import (
	"math"
	"time"

	"github.com/p-blackswan/domainsync/internal/models"
)

// Band classifies a certificate for display and policy.
type Band string

const (
	BandNone     Band = "none"
	BandExpired  Band = "expired"
	BandCritical Band = "critical"
	BandWarning  Band = "warning"
	BandValid    Band = "valid"
	BandInvalid  Band = "invalid"
)

const day = 24 * time.Hour

// DaysLeft returns ceil((expiry-now)/1 day), or -1 when expiry is unknown.
func DaysLeft(expiry *time.Time, now time.Time) int {
	if expiry == nil || expiry.IsZero() {
		return -1
	}
	return int(math.Ceil(float64(expiry.Sub(now)) / float64(day)))
}

// BandFor classifies rec at now.
func BandFor(rec models.CertificateRecord, now time.Time) Band {
	switch rec.Status {
	case "", models.CertStatusNone:
		return BandNone
	case models.CertStatusExpired:
		return BandExpired
	case models.CertStatusValid:
		return bandForDays(DaysLeft(rec.Expiry, now))
	default:
		return BandInvalid
	}
}

func bandForDays(days int) Band {
	switch {
	case days <= 0:
		return BandExpired
	case days <= 7:
		return BandCritical
	case days <= 30:
		return BandWarning
	default:
		return BandValid
	}
}

var bandText = map[Band]string{
	BandNone:     "No Certificate",
	BandExpired:  "Expired",
	BandCritical: "Critical",
	BandWarning:  "Expiring Soon",
	BandValid:    "Valid",
	BandInvalid:  "Invalid",
}

// StatusText is the human label for rec at now.
func StatusText(rec models.CertificateRecord, now time.Time) string {
	return bandText[BandFor(rec, now)]
}

// Text returns the human label of b.
func (b Band) Text() string {
	return bandText[b]
}

// RenewalDelay returns how long to wait before renewing a certificate with
// daysLeft remaining. ok is false when no renewal should be scheduled.
func RenewalDelay(daysLeft int) (delay time.Duration, ok bool) {
	switch {
	case daysLeft <= 1:
		return 0, true
	case daysLeft <= 7:
		return day, true
	case daysLeft <= 30:
		return 7 * day, true
	default:
		return 0, false
	}
}

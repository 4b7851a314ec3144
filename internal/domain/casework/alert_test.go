package casework

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/casewatch/pkg/errors"
)

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" CRITICAL ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("severe")
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlertInvalid))
}

func TestAlert_Validate(t *testing.T) {
	base := func() *Alert {
		return &Alert{TenantID: "t", SiteID: "s", Type: "attendance", Severity: SeverityLow, OccurredAt: time.Now()}
	}
	assert.NoError(t, base().Validate())

	for name, mutate := range map[string]func(*Alert){
		"tenant":   func(a *Alert) { a.TenantID = "" },
		"type":     func(a *Alert) { a.Type = "" },
		"target":   func(a *Alert) { a.SiteID = "" },
		"time":     func(a *Alert) { a.OccurredAt = time.Time{} },
		"severity": func(a *Alert) { a.Severity = "" },
	} {
		a := base()
		mutate(a)
		assert.True(t, errors.IsCode(a.Validate(), errors.ErrCodeAlertInvalid), name)
	}
}

func TestEscalationRule_Defaults(t *testing.T) {
	r := DisabledRule("t")
	assert.False(t, r.AutoCreateEnabled)
	assert.Equal(t, 7, r.Threshold(7))
	assert.Equal(t, DefaultSiteThreshold, r.Threshold(0))
	assert.Equal(t, DefaultLookbackWindow, r.Window(0))

	r.SiteThreshold = 3
	r.LookbackWindow = time.Hour
	assert.Equal(t, 3, r.Threshold(7))
	assert.Equal(t, time.Hour, r.Window(0))
}

func TestEscalationRule_Validate(t *testing.T) {
	assert.NoError(t, (&EscalationRule{TenantID: "t"}).Validate())
	assert.Error(t, (&EscalationRule{}).Validate())
	assert.Error(t, (&EscalationRule{TenantID: "t", SiteThreshold: -1}).Validate())
	assert.Error(t, (&EscalationRule{TenantID: "t", LookbackWindow: -time.Second}).Validate())
}

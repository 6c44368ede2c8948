package gatortype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSeverityRoundTripsWithString(t *testing.T) {
	for _, sev := range AllSeverities() {
		assert.Equal(t, sev, ParseSeverity(sev.String()))
	}
}

func TestParseSeverityDefaultsToInfoForUnknownNames(t *testing.T) {
	assert.Equal(t, SeverityInfo, ParseSeverity("NOT_A_SEVERITY"))
}

func TestParseResultRoundTripsWithString(t *testing.T) {
	for _, r := range []JobResult{ResultSuccess, ResultFailure, ResultAborted} {
		assert.Equal(t, r, ParseResult(r.String()))
	}
}

func TestParseResultDefaultsToUnknownForUnrecognisedValue(t *testing.T) {
	assert.Equal(t, ResultUnknown, ParseResult("not-a-result"))
}

func TestJobStateStringCoversEveryLifecycleStage(t *testing.T) {
	assert.Equal(t, "PENDING", JobPending.String())
	assert.Equal(t, "LAUNCHED", JobLaunched.String())
	assert.Equal(t, "STARTED", JobStarted.String())
	assert.Equal(t, "COMPLETE", JobComplete.String())
}

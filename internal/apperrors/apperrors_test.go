package apperrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/routegraph/routegraph/internal/apperrors"
)

func TestKindString(t *testing.T) {
	cases := map[apperrors.Kind]string{
		apperrors.KindProbePrimitiveUnavailable: "probe primitive unavailable",
		apperrors.KindMalformedInput:            "malformed input",
		apperrors.KindInvariantViolation:        "invariant violation",
		apperrors.KindInconsistentRoute:         "inconsistent route",
		apperrors.KindConfig:                    "invalid configuration",
		apperrors.Kind(99):                      "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestNewProducesWrappedMessage(t *testing.T) {
	err := apperrors.New(apperrors.KindInvariantViolation, "interface %s outside subnet", "10.0.0.1")
	assert.Contains(t, err.Error(), "invariant violation")
	assert.Contains(t, err.Error(), "10.0.0.1")
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := apperrors.Wrap(apperrors.KindMalformedInput, cause, "parsing subnet file")
	assert.Contains(t, err.Error(), "malformed input")
	assert.Contains(t, err.Error(), "boom")
	assert.ErrorIs(t, err, cause)
}

func TestExitCodeMapping(t *testing.T) {
	assert.Equal(t, 0, apperrors.ExitCode(nil))
	assert.Equal(t, 1, apperrors.ExitCode(apperrors.New(apperrors.KindMalformedInput, "bad")))
	assert.Equal(t, 1, apperrors.ExitCode(apperrors.New(apperrors.KindConfig, "bad")))
	assert.Equal(t, 2, apperrors.ExitCode(apperrors.New(apperrors.KindProbePrimitiveUnavailable, "bad")))
	assert.Equal(t, 3, apperrors.ExitCode(apperrors.New(apperrors.KindInvariantViolation, "bad")))
	assert.Equal(t, 3, apperrors.ExitCode(apperrors.New(apperrors.KindInconsistentRoute, "bad")))
	assert.Equal(t, 3, apperrors.ExitCode(errors.New("not an apperrors.Error")))
}

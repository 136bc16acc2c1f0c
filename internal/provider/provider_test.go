package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfPrefersStructuredKind(t *testing.T) {
	err := Wrap(KindNoData, "klines", errors.New("pacing violation in text"))
	assert.Equal(t, KindNoData, KindOf(err))
	assert.Equal(t, KindNoData, KindOf(fmt.Errorf("chunk 3: %w", err)))
}

func TestKindOfMessageFallback(t *testing.T) {
	cases := map[string]Kind{
		"Historical Market Data Service error message:pacing violation": KindPacing,
		"429 Too Many Requests":                                         KindPacing,
		"No security definition has been found for the request":         KindDefinitionNotFound,
		"HMDS query returned no data: MESU3@CME Trades":                  KindNoData,
		"connection reset by peer":                                      KindOther,
	}
	for msg, want := range cases {
		assert.Equal(t, want, KindOf(errors.New(msg)), msg)
	}
	assert.Equal(t, KindOther, KindOf(nil))
}

func TestErrorFormatting(t *testing.T) {
	err := Errorf(KindPacing, "binance.klines", "code=%d", -1003)
	assert.Equal(t, "binance.klines: pacing: code=-1003", err.Error())
	assert.Equal(t, "x: other", (&Error{Op: "x"}).Error())
}

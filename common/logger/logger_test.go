package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, development := range []bool{true, false} {
		log, err := NewLogger("charter-payment", development)
		require.NoError(t, err)
		assert.NotNil(t, log)
		log.Info("logger ready")
	}
}

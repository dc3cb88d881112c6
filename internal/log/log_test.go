package log_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/mikedrai/gep-partner-system-sub001/internal/log"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"DEBUG", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"verbose", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, log.New(tt.level, "").GetLevel())
		})
	}

	t.Run("JSONFormat", func(t *testing.T) {
		var buf bytes.Buffer
		l := log.New("INFO", "json")
		l.SetOutput(&buf)
		l.WithField("instance_id", "wf-1").Info("step started")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "step started", entry["msg"])
		assert.Equal(t, "wf-1", entry["instance_id"])
	})
}

func TestConfigure(t *testing.T) {
	before := log.GetLogger().GetLevel()
	defer log.GetLogger().SetLevel(before)

	log.Configure("DEBUG", "text")
	assert.Equal(t, logrus.DebugLevel, log.GetLogger().GetLevel())
}

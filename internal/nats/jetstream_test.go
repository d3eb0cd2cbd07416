package natsjs

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamConfigDefaults(t *testing.T) {
	sc := streamConfig(Config{})
	assert.Equal(t, DefaultStream, sc.Name)
	assert.Equal(t, 30*24*time.Hour, sc.MaxAge)
	assert.Equal(t, []string{"account.*.>"}, sc.Subjects)
	assert.Equal(t, nats.FileStorage, sc.Storage)
	assert.Equal(t, 10*time.Minute, sc.Duplicates)
}

func TestStreamConfigOverrides(t *testing.T) {
	sc := streamConfig(Config{Stream: "MAIL", MaxAge: time.Hour})
	assert.Equal(t, "MAIL", sc.Name)
	assert.Equal(t, time.Hour, sc.MaxAge)
}

func TestNewPublisherUnreachable(t *testing.T) {
	_, err := NewPublisher(Config{URL: "nats://127.0.0.1:1"}, nil)
	require.Error(t, err)
}

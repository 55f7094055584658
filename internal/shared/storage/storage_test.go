package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassThrough(t *testing.T) {
	u, err := PassThrough{}.PresignGet(context.Background(), "pm/photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "pm/photos/a.jpg", u)
}

func TestMinIOStore_AbsoluteRefsUntouched(t *testing.T) {
	s, err := NewMinIOStore("localhost:9000", "ak", "sk", "nimo-pm", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, s.ttl, "zero ttl falls back to default")

	for _, ref := range []string{"", "https://cdn.example.com/a.jpg", "http://10.0.0.1/b.png"} {
		got, err := s.PresignGet(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, ref, got)
	}
}

package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	m, v, err := ParseManifest([]byte(`{"name":"vfs","version":"1.2.3","queue_capacity":128}`))
	require.NoError(t, err)
	assert.Equal(t, "vfs", m.Name)
	assert.Equal(t, 128, m.QueueCapacity)
	assert.Equal(t, uint64(1), v.Major())
	assert.Equal(t, uint64(2), v.Minor())
}

func TestParseManifestRejects(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"missing name":     `{"version":"1.0.0"}`,
		"missing version":  `{"name":"vfs"}`,
		"empty name":       `{"name":"","version":"1.0.0"}`,
		"name too long":    `{"name":"` + strings.Repeat("x", 65) + `","version":"1.0.0"}`,
		"zero capacity":    `{"name":"vfs","version":"1.0.0","queue_capacity":0}`,
		"huge capacity":    `{"name":"vfs","version":"1.0.0","queue_capacity":5000}`,
		"unknown field":    `{"name":"vfs","version":"1.0.0","shell":"/bin/sh"}`,
		"bad version":      `{"name":"vfs","version":"latest"}`,
		"non-string name":  `{"name":3,"version":"1.0.0"}`,
		"capacity as text": `{"name":"vfs","version":"1.0.0","queue_capacity":"64"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := ParseManifest([]byte(raw))
			assert.Error(t, err)
		})
	}
}

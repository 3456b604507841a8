package version

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	str := String()
	assert.True(t, strings.HasPrefix(str, "multifetch "), str)
	assert.Contains(t, str, Version)
	assert.Contains(t, str, "commit "+GitCommit)
}

func TestInfo(t *testing.T) {
	info := Info()

	for _, field := range []string{"name", "version", "gitCommit", "buildTime", "goVersion"} {
		assert.NotEmpty(t, info[field], "missing %s", field)
	}
	assert.Equal(t, "multifetch", info["name"])
}

func TestInfoJSON(t *testing.T) {
	jsonData, err := json.Marshal(Info())
	require.NoError(t, err)

	var unmarshaled map[string]string
	require.NoError(t, json.Unmarshal(jsonData, &unmarshaled))
	assert.Equal(t, "multifetch", unmarshaled["name"])
}

package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDashboardsMap(t *testing.T) {
	dashboards := DashboardsMap([]Plugin{newStubPlugin("demo")})
	assert.Equal(t, map[string][]byte{"/dashboards/demo/demo.json": []byte("{}")}, dashboards)
}

func TestWriteDashboards(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDashboards(dir, []Plugin{newStubPlugin("demo")}))

	data, err := os.ReadFile(filepath.Join(dir, "demo", "demo.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
	_, err = os.Stat(filepath.Join(dir, "demo", "demo.json.tmp"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, WriteDashboards("", []Plugin{newStubPlugin("demo")}))

	broken := newStubPlugin("broken")
	broken.dashboards = []Dashboard{{Name: "bad", JSON: []byte("{")}}
	assert.Error(t, WriteDashboards(dir, []Plugin{broken}))
}

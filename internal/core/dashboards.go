package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DashboardPath is where a dashboard is served over HTTP.
func DashboardPath(pluginID, name string) string {
	return "/dashboards/" + pluginID + "/" + name + ".json"
}

// DashboardsMap materializes dashboard content to URL paths.
func DashboardsMap(plugins []Plugin) map[string][]byte {
	result := make(map[string][]byte)
	for _, plugin := range plugins {
		id := plugin.Manifest().PluginID
		for _, dash := range plugin.Dashboards() {
			result[DashboardPath(id, dash.Name)] = dash.JSON
		}
	}
	return result
}

// WriteDashboards writes dashboards to disk for Grafana provisioning. Files
// are replaced by rename so Grafana never reads a partial dashboard.
func WriteDashboards(dir string, plugins []Plugin) error {
	if dir == "" {
		return nil
	}

	for _, plugin := range plugins {
		id := plugin.Manifest().PluginID
		for _, dash := range plugin.Dashboards() {
			if !json.Valid(dash.JSON) {
				return fmt.Errorf("dashboard %s/%s is not valid JSON", id, dash.Name)
			}
			pluginDir := filepath.Join(dir, id)
			if err := os.MkdirAll(pluginDir, 0o755); err != nil {
				return fmt.Errorf("create dashboard dir: %w", err)
			}
			path := filepath.Join(pluginDir, dash.Name+".json")
			tmp := path + ".tmp"
			if err := os.WriteFile(tmp, dash.JSON, 0o644); err != nil {
				return fmt.Errorf("write dashboard %s: %w", path, err)
			}
			if err := os.Rename(tmp, path); err != nil {
				return fmt.Errorf("replace dashboard %s: %w", path, err)
			}
		}
	}

	return nil
}

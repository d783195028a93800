package plugins

import (
	"sort"

	"github.com/joshp123/ducohome/internal/config"
	"github.com/joshp123/ducohome/internal/core"
	"github.com/shimmeringbee/logwrap"
)

// Factory builds a plugin instance from the loaded config. It returns false
// when the plugin's config section is absent.
type Factory func(*config.Config, logwrap.Logger) (core.Plugin, bool)

var compiled = map[string]Factory{}

// Register adds a compiled-in plugin factory under its plugin id.
func Register(id string, factory Factory) {
	if _, dup := compiled[id]; dup {
		panic("plugin registered twice: " + id)
	}
	compiled[id] = factory
}

// Available lists the plugin ids compiled into this build.
func Available() []string {
	ids := make([]string, 0, len(compiled))
	for id := range compiled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Compiled returns the configured plugin instances for this build, ordered
// by id.
func Compiled(cfg *config.Config, logger logwrap.Logger) []core.Plugin {
	if cfg == nil {
		return nil
	}
	out := make([]core.Plugin, 0, len(compiled))
	for _, id := range Available() {
		plugin, ok := compiled[id](cfg, logger)
		if !ok {
			continue
		}
		out = append(out, plugin)
	}
	return out
}

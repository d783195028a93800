package plugins

import (
	"github.com/joshp123/ducohome/internal/config"
	"github.com/joshp123/ducohome/internal/core"
	"github.com/joshp123/ducohome/plugins/ducobox"
	"github.com/shimmeringbee/logwrap"
)

func init() {
	Register("ducobox", func(cfg *config.Config, logger logwrap.Logger) (core.Plugin, bool) {
		return ducobox.NewPlugin(cfg.Ducobox, cfg.MQTT, logger)
	})
}

package config

import (
	"reflect"
	"strings"

	logx "carebell/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Storage paths are reduced to "set/unset" so
// reload logs never leak filesystem layout.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS.Driver != newS.Driver || oldS.BusyTimeout != newS.BusyTimeout ||
		(strings.TrimSpace(oldS.Path) != "") != (strings.TrimSpace(newS.Path) != "") {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newS.BusyTimeout)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.late_tolerance", newCfg.Dispatch.LateTolerance),
			logx.String("dispatch.snooze_interval", newCfg.Dispatch.SnoozeInterval),
			logx.Int("dispatch.registrations_per_sec", newCfg.Dispatch.RegistrationsPerSec),
			logx.Int("dispatch.low_stock_threshold", newCfg.Dispatch.LowStockThreshold),
		)
	}

	if oldCfg.Generate != newCfg.Generate {
		changed = append(changed, "generate")
		attrs = append(attrs, logx.Int("generate.window_days", newCfg.Generate.WindowDays))
	}

	if !reflect.DeepEqual(oldCfg.Sweep, newCfg.Sweep) {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.Sweep.SweepEnabled()),
			logx.String("sweep.spec", newCfg.Sweep.SweepSpec),
			logx.String("sweep.reconcile_spec", newCfg.Sweep.ReconcileSpec),
			logx.String("sweep.timezone", strings.TrimSpace(newCfg.Sweep.Timezone)),
		)
	}

	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

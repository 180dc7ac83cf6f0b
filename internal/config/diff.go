package config

import "reflect"

// SummarizeChange names the top-level sections that differ. It never
// includes values, so secrets stay out of logs.
func SummarizeChange(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
		}
	}
	check("notify", oldCfg.Notify, newCfg.Notify)
	check("logging", oldCfg.Logging, newCfg.Logging)
	check("storage", oldCfg.Storage, newCfg.Storage)
	check("tracker", oldCfg.Tracker, newCfg.Tracker)
	check("extractor", oldCfg.Extractor, newCfg.Extractor)
	check("http", oldCfg.HTTP, newCfg.HTTP)
	check("bot", oldCfg.Bot, newCfg.Bot)
	check("maintenance", oldCfg.Maintenance, newCfg.Maintenance)
	return changed
}

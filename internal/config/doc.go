// Package config provides the configuration model of the traffic control
// plane together with YAML loading, validation and hot reload.
//
// # Features
//
//   - YAML configuration loaded over built-in defaults
//   - Environment variable substitution with ${VAR:-default} syntax
//   - Validation that reports every invalid field at once
//   - File watching with debounce for hot reload of rules, weights,
//     the selection algorithm and geographic routing
//
// # Loading
//
//	cfg, err := config.LoadConfig("avatraffic.yaml")
//	if err != nil {
//	    return err
//	}
//
// # Watching
//
//	w, err := config.NewWatcher(path, func(cfg *config.Config) {
//	    // apply the reloadable subset
//	}, config.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	_ = w.Start(ctx)
package config

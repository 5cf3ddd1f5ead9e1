// Package config provides the settings document and its hot reload.
//
// The document is YAML with one top-level key per Section:
//
//	logger:
//	  level: info
//	  format: console
//	  bufferSize: 400
//	jsonServer:
//	  port: ${LOGGATE_PORT:-19444}
//	network:
//	  internetAccess: false
//	  allowedNetworks: ["192.168.0.0/16"]
//	metrics:
//	  enabled: true
//	  port: 9091
//
// Environment variables are substituted with ${VAR} and ${VAR:-default};
// write $$ for a literal dollar sign. Missing keys keep their defaults.
//
// A Watcher publishes the file to a Dispatcher on start and after every
// edit. The Dispatcher calls each SettingsHandler once per changed section;
// a file that fails to load or validate is skipped:
//
//	dispatcher := config.NewDispatcher(cfg)
//	dispatcher.Register(gate)
//	watcher, err := config.NewWatcher(path, dispatcher)
//	...
//	err = watcher.Start(ctx)
package config

// Package plugins tracks the services a node installs on its dispatcher.
package plugins

import "github.com/danmuck/stanza/internal/dispatcher"

// Plugin is a service that registers handlers or hooks on a dispatcher.
type Plugin interface {
	Name() string
	Init(d *dispatcher.Dispatcher)
	Close()
}

// Package defaults embeds the annotated example configuration written
// by the toolhost init command.
package defaults

import _ "embed"

// ConfigYAML is the example toolhost.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// Package templates embeds the default configuration and usage notes
// written by setup.
package templates

import "embed"

//go:embed config.yaml deepagent.md
var FS embed.FS

// Package patterns provides the embedded default recognizer definitions.
// YAML files in this directory use the Presidio-compatible recognizer format
// with anonimiza extensions (validator, case_sensitive, group_mode).
package patterns

import _ "embed"

//go:embed pii_es.yaml
var piiESYAML []byte

// PIIESYAML returns the embedded default Spanish recognizer definitions.
func PIIESYAML() []byte { return piiESYAML }

// Package defaults provides the embedded fallback character card used
// when CHARACTER_DIR is unset or holds no card for the configured name.
package defaults

import _ "embed"

//go:embed character.yml
var CharacterYAML []byte

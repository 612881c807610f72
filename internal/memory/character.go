package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ZinkoSoft/tars-go/internal/defaults"
	"github.com/ZinkoSoft/tars-go/internal/events"
)

// LoadCard reads the character card for name from dir. Cards are YAML
// files named <name>.yml or <name>.yaml. When dir is empty or holds no
// card for name, the embedded default card is used instead.
func LoadCard(dir, name string, logger *slog.Logger) (*events.CharacterCard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		for _, ext := range []string{".yml", ".yaml"} {
			path := filepath.Join(dir, name+ext)
			raw, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read character card: %w", err)
			}
			return parseCard(raw, name)
		}
		logger.Warn("no character card found, using embedded default",
			"dir", dir, "name", name)
	}
	card, err := parseCard(defaults.CharacterYAML, name)
	if err != nil {
		return nil, fmt.Errorf("embedded default card: %w", err)
	}
	return card, nil
}

func parseCard(raw []byte, name string) (*events.CharacterCard, error) {
	var card events.CharacterCard
	if err := yaml.Unmarshal(raw, &card); err != nil {
		return nil, fmt.Errorf("parse character card: %w", err)
	}
	if card.Name == "" {
		card.Name = name
	}
	return &card, nil
}

// cardSection resolves one named section of a card for character/get
// requests that ask for a single field.
func cardSection(card *events.CharacterCard, section string) (any, error) {
	switch strings.ToLower(section) {
	case "name":
		return card.Name, nil
	case "systemprompt", "system_prompt":
		return card.SystemPrompt, nil
	case "traits":
		return card.Traits, nil
	case "description":
		return card.Description, nil
	case "voice":
		return card.Voice, nil
	case "meta":
		return card.Meta, nil
	default:
		return nil, fmt.Errorf("unknown section %q", section)
	}
}

package router

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"relaybot/internal/domain"

	"gopkg.in/yaml.v3"
)

// aliasFile is the on-disk schema for a YAML marker pack:
//
//	markers:
//	  - prefix: "FIX:"
//	    mode: primary
type aliasFile struct {
	Markers []aliasEntry `yaml:"markers"`
}

type aliasEntry struct {
	Prefix string `yaml:"prefix"`
	Mode   string `yaml:"mode"` // primary | fallback | research | chat
}

// LoadAliases loads extra routing markers from YAML files in dir. Files that
// fail to parse are skipped with a warning; a missing directory is not an
// error.
func LoadAliases(dir string, logger *slog.Logger) ([]Marker, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("alias directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read alias dir: %w", err)
	}

	var markers []Marker
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read alias file", "path", path, "err", err)
			continue
		}

		var af aliasFile
		if err := yaml.Unmarshal(data, &af); err != nil {
			logger.Warn("cannot parse alias file", "path", path, "err", err)
			continue
		}

		for _, e := range af.Markers {
			mode, ok := parseMode(e.Mode)
			if !ok {
				logger.Warn("alias file has unknown mode, skipping entry",
					"path", path, "prefix", e.Prefix, "mode", e.Mode)
				continue
			}
			markers = append(markers, Marker{Prefix: e.Prefix, Mode: mode})
		}
		logger.Info("loaded alias pack", "path", path, "markers", len(af.Markers))
	}

	return markers, nil
}

func parseMode(s string) (domain.CommandMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary":
		return domain.ModePrimaryTool, true
	case "fallback":
		return domain.ModeFallbackTool, true
	case "research":
		return domain.ModeResearchOnly, true
	case "chat":
		return domain.ModeChat, true
	default:
		return domain.ModeChat, false
	}
}

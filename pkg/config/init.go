package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `dirmeta configuration file
Values can be overridden with environment variables using the DIRMETA_ prefix,
e.g. DIRMETA_STORE_DEBOUNCE=1s or DIRMETA_LOGGING_LEVEL=DEBUG.`

// sectionComments are written above each top-level section.
var sectionComments = map[string]string{
	"logging":  "Logging output",
	"store":    "Per-directory store: change buffering and read cache",
	"writer":   "Sidecar writes: advisory lock timeouts, retries, durability",
	"registry": "Lifetime of open directory stores",
	"metrics":  "Prometheus metrics endpoint",
}

// fieldComments are written after individual settings.
var fieldComments = map[string]string{
	"logging.level":                 "DEBUG, INFO, WARN or ERROR",
	"logging.format":                "text or json",
	"logging.output":                "stderr, stdout or a file path",
	"store.file_name":               "sidecar document name inside each directory",
	"store.debounce":                "quiet period after the last change before flushing",
	"store.max_buffer_age":          "longest time a change may wait for a flush",
	"store.max_flush_retries":       "failed flushes before giving up until the next change",
	"store.cache_ttl":               "0 disables the read cache",
	"store.probe_external_changes":  "stat the sidecar before serving cached documents",
	"store.max_writes_per_second":   "writes per second across all directories, 0 is unlimited",
	"writer.lock_timeout_per_mb":    "added per MiB of the existing document",
	"writer.io_factor":              "multiplies lock timeouts; raise on slow disks",
	"writer.max_attempts":           "write attempts per flush",
	"writer.quarantine_corrupt":     "rename invalid documents to <name>.corrupt-<ts>",
	"registry.idle_timeout":         "close stores unused for this long",
	"registry.idle_check_interval":  "0 disables idle eviction",
	"metrics.enabled":               "expose /metrics when running serve-metrics",
}

// InitConfig writes the default configuration to the default location.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns:
//   - string: Path of the written file
//   - error: If the file exists and force is false, or writing fails
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path, creating parent
// directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML annotated with comments.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var body yaml.Node
	if err := body.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	annotate(&body, "")

	doc := &yaml.Node{
		Kind:        yaml.DocumentNode,
		HeadComment: configHeader,
		Content:     []*yaml.Node{&body},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return buf.String(), nil
}

// annotate attaches section and field comments to a mapping node. Mapping
// content alternates key and value nodes.
func annotate(node *yaml.Node, prefix string) {
	if node.Kind != yaml.MappingNode {
		return
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		path := key.Value
		if prefix != "" {
			path = prefix + "." + key.Value
		}

		if prefix == "" {
			if c, ok := sectionComments[key.Value]; ok {
				key.HeadComment = c
			}
		}
		if c, ok := fieldComments[path]; ok {
			value.LineComment = c
		}

		annotate(value, path)
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON schema every config file must satisfy before it is
// unmarshalled. It checks shape and enums; cross-field rules live in Validate.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "accounts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "secret"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "secret": {"type": "string", "minLength": 1},
          "display_name": {"type": "string"}
        }
      }
    },
    "identity": {
      "type": "object",
      "properties": {
        "api_key": {"type": "string"},
        "identity_url": {"type": "string"},
        "token_url": {"type": "string"},
        "timeout": {"type": "integer", "minimum": 1},
        "auth_rate": {"type": "number", "exclusiveMinimum": 0},
        "auth_burst": {"type": "integer", "minimum": 1}
      }
    },
    "pool": {
      "type": "object",
      "properties": {
        "max_sessions": {"type": "integer", "minimum": 1},
        "strategy": {"enum": ["round_robin", "least_used"]},
        "error_ceiling": {"type": "integer"},
        "session_ttl": {"type": "integer", "minimum": 1},
        "refresh_threshold": {"type": "integer", "minimum": 0},
        "maintenance_interval": {"type": "integer", "minimum": 1},
        "account_cooldown": {"type": "integer", "minimum": 0}
      }
    },
    "queue": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["memory", "redis"]},
        "max_size": {"type": "integer", "minimum": 1},
        "rate_limit": {"type": "integer", "minimum": 1},
        "rate_window": {"type": "integer", "minimum": 1},
        "result_ttl": {"type": "integer", "minimum": 1},
        "poll_interval": {"type": "integer", "minimum": 1}
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_retries": {"type": "integer", "minimum": 0},
        "strategy": {"enum": ["exponential", "linear", "fixed", "immediate"]},
        "base_delay": {"type": "integer", "minimum": 1},
        "max_delay": {"type": "integer", "minimum": 1},
        "multiplier": {"type": "number", "minimum": 1},
        "tick_interval": {"type": "integer", "minimum": 1, "maximum": 1000}
      }
    },
    "redis": {
      "type": "object",
      "properties": {
        "addr": {"type": "string"},
        "password": {"type": "string"},
        "db": {"type": "integer", "minimum": 0},
        "prefix": {"type": "string"},
        "pool_size": {"type": "integer", "minimum": 1}
      }
    },
    "executor": {
      "type": "object",
      "properties": {
        "url": {"type": "string"},
        "timeout": {"type": "integer", "minimum": 1}
      }
    },
    "server": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "host": {"type": "string"},
        "auth_token": {"type": "string"},
        "shutdown_timeout": {"type": "integer", "minimum": 1}
      }
    },
    "housekeeping": {
      "type": "object",
      "properties": {
        "prune_schedule": {"type": "string"},
        "rebalance_schedule": {"type": "string"},
        "stats_interval": {"type": "integer", "minimum": 1}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"},
        "audit_file": {"type": "string"}
      }
    },
    "data_dir": {"type": "string"}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// ValidateSchema checks raw config JSON against Schema.
func ValidateSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Package config resolves the driver configuration from the environment and
// an optional YAML persona roster.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mortality-lab/mortality/pkg/experiment"
	"github.com/mortality-lab/mortality/pkg/llm"
)

// Environment variables read by FromEnv.
const (
	EnvProvider      = "MORTALITY_EMERGENT_PROVIDER"
	EnvModels        = "MORTALITY_EMERGENT_MODELS"
	EnvReplicas      = "MORTALITY_REPLICAS_PER_MODEL"
	EnvSpreadStart   = "MORTALITY_EMERGENT_SPREAD_START"
	EnvSpreadEnd     = "MORTALITY_EMERGENT_SPREAD_END"
	EnvTickSeconds   = "OPENROUTER_TICK_SECONDS"
	EnvTickMax       = "OPENROUTER_TICK_SECONDS_MAX"
	EnvLiveDashboard = "MORTALITY_LIVE_DASHBOARD"
	EnvWSPort        = "MORTALITY_WS_PORT"
	EnvPersonasFile  = "MORTALITY_PERSONAS_FILE"
	EnvOpenRouterKey = "OPENROUTER_API_KEY"
)

// minCouncilModels is the smallest council a non-mock run may field.
const minCouncilModels = 4

// Config is the resolved driver configuration.
type Config struct {
	Experiment experiment.EmergentConfig

	// LiveDashboard enables the websocket telemetry server.
	LiveDashboard bool
	// WSPort is the dashboard listen port.
	WSPort int
}

// FromEnv builds the driver configuration from environment variables,
// loading the persona roster when MORTALITY_PERSONAS_FILE points at one.
// Returned errors are *ValidationError or *LoadError values.
func FromEnv() (*Config, error) {
	ec := experiment.DefaultEmergentConfig()

	if raw, ok := lookup(EnvProvider); ok {
		provider := llm.Provider(strings.ToLower(raw))
		if !provider.IsValid() {
			return nil, NewValidationError("driver", EnvProvider, "", fmt.Errorf("%w: unknown provider %q", ErrInvalidValue, raw))
		}
		ec.Provider = provider
	}

	ec.Models = splitModels(os.Getenv(EnvModels))
	if ec.Provider != llm.ProviderMock && len(uniqueModels(ec.Models)) < minCouncilModels {
		return nil, NewValidationError("driver", EnvModels, "",
			fmt.Errorf("%w: at least %d unique models required, got %d", ErrMissingRequiredField, minCouncilModels, len(uniqueModels(ec.Models))))
	}

	if raw, ok := lookup(EnvReplicas); ok {
		replicas, err := strconv.Atoi(raw)
		if err != nil {
			return nil, NewValidationError("driver", EnvReplicas, "", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		if replicas != 1 {
			return nil, NewValidationError("driver", EnvReplicas, "",
				fmt.Errorf("%w: replicas per model is fixed at 1, got %d", ErrInvalidValue, replicas))
		}
		ec.ReplicasPerModel = replicas
	}

	var err error
	if ec.SpreadStartMinutes, err = floatEnv(EnvSpreadStart, ec.SpreadStartMinutes); err != nil {
		return nil, err
	}
	if ec.SpreadEndMinutes, err = floatEnv(EnvSpreadEnd, ec.SpreadEndMinutes); err != nil {
		return nil, err
	}
	if ec.SpreadEndMinutes < ec.SpreadStartMinutes {
		return nil, NewValidationError("driver", EnvSpreadEnd, "",
			fmt.Errorf("%w: spread end %.2f is before start %.2f", ErrInvalidValue, ec.SpreadEndMinutes, ec.SpreadStartMinutes))
	}

	if ec.TickSeconds, err = floatEnv(EnvTickSeconds, ec.TickSeconds); err != nil {
		return nil, err
	}
	// A raised minimum widens the default window rather than inverting it.
	if ec.TickSecondsMax < ec.TickSeconds {
		ec.TickSecondsMax = ec.TickSeconds
	}
	if ec.TickSecondsMax, err = floatEnv(EnvTickMax, ec.TickSecondsMax); err != nil {
		return nil, err
	}
	if ec.TickSecondsMax < ec.TickSeconds {
		return nil, NewValidationError("driver", EnvTickMax, "",
			fmt.Errorf("%w: tick max %.2fs is below tick min %.2fs", ErrInvalidValue, ec.TickSecondsMax, ec.TickSeconds))
	}

	if path, ok := lookup(EnvPersonasFile); ok {
		personas, err := LoadPersonas(path)
		if err != nil {
			return nil, err
		}
		ec.Personas = personas
	}

	if ec.Provider == llm.ProviderOpenRouter {
		if _, ok := lookup(EnvOpenRouterKey); !ok {
			return nil, NewValidationError("driver", EnvOpenRouterKey, "",
				fmt.Errorf("%w: %s must be set for the openrouter provider", ErrMissingRequiredField, EnvOpenRouterKey))
		}
	}

	cfg := &Config{
		Experiment:    ec,
		LiveDashboard: boolEnv(EnvLiveDashboard),
		WSPort:        8765,
	}
	if raw, ok := lookup(EnvWSPort); ok {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return nil, NewValidationError("driver", EnvWSPort, "", fmt.Errorf("%w: %q is not a valid port", ErrInvalidValue, raw))
		}
		cfg.WSPort = port
	}

	if err := cfg.Experiment.Validate(); err != nil {
		return nil, NewValidationError("driver", "emergent", "", err)
	}
	return cfg, nil
}

func lookup(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

func floatEnv(key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, NewValidationError("driver", key, "", fmt.Errorf("%w: %v", ErrInvalidValue, err))
	}
	return value, nil
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitModels(raw string) []string {
	var models []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			models = append(models, part)
		}
	}
	return models
}

func uniqueModels(models []string) []string {
	seen := make(map[string]bool, len(models))
	var unique []string
	for _, model := range models {
		if !seen[model] {
			seen[model] = true
			unique = append(unique, model)
		}
	}
	return unique
}

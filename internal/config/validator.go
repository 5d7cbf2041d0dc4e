package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mcp-router/mcp-router/internal/domain/routererr"
)

// RegisterCustomValidators registers router-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("upstream_name", validateUpstreamName); err != nil {
		return fmt.Errorf("failed to register upstream_name validator: %w", err)
	}
	return nil
}

// validateUpstreamName rejects names that would be ambiguous in namespaced
// tool identifiers. Dots are allowed (longest-prefix matching handles them)
// but whitespace and empty names are not.
func validateUpstreamName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return name != "" && !strings.ContainsAny(name, " \t\r\n")
}

// Validate validates the configuration using struct tags and cross-field
// rules. The returned error carries routererr.KindConfigInvalid.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return routererr.Wrap(routererr.KindConfigInvalid, "config validation failed", formatValidationErrors(err))
	}

	if err := c.validateUpstreams(v); err != nil {
		return routererr.Wrap(routererr.KindConfigInvalid, "config validation failed", err)
	}
	if err := c.validateProjectUniqueness(); err != nil {
		return routererr.Wrap(routererr.KindConfigInvalid, "config validation failed", err)
	}
	if err := c.validateTokenReferences(); err != nil {
		return routererr.Wrap(routererr.KindConfigInvalid, "config validation failed", err)
	}
	return nil
}

// validateUpstreams checks transport-specific required fields. These cannot
// be expressed as struct tags because the requirement depends on the
// transport discriminator.
func (c *Config) validateUpstreams(v *validator.Validate) error {
	for _, name := range c.UpstreamNames() {
		u := c.Servers[name]
		if err := v.Var(name, "upstream_name"); err != nil {
			return fmt.Errorf("upstream %q: name must be non-empty without whitespace", name)
		}
		if err := v.Struct(u); err != nil {
			return fmt.Errorf("upstream %q: %w", name, formatValidationErrors(err))
		}
		switch u.Transport {
		case TransportHTTP:
			if u.URL == "" {
				return fmt.Errorf("upstream %q: url is required for http transport", name)
			}
			if u.Command != "" {
				return fmt.Errorf("upstream %q: command is not valid for http transport", name)
			}
		case TransportPipe:
			if u.Command == "" {
				return fmt.Errorf("upstream %q: command is required for pipe transport", name)
			}
			if u.URL != "" {
				return fmt.Errorf("upstream %q: url is not valid for pipe transport", name)
			}
		}
	}
	return nil
}

// validateProjectUniqueness rejects duplicate project ids.
func (c *Config) validateProjectUniqueness() error {
	seen := make(map[string]struct{}, len(c.Projects))
	for i, p := range c.Projects {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("projects[%d]: duplicate project id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// validateTokenReferences ensures every token's projectId references a
// declared project and token values are unique.
func (c *Config) validateTokenReferences() error {
	known := make(map[string]struct{}, len(c.Projects))
	for _, p := range c.Projects {
		known[p.ID] = struct{}{}
	}
	values := make(map[string]struct{}, len(c.Auth.Tokens))
	for i, tok := range c.Auth.Tokens {
		if _, dup := values[tok.Value]; dup {
			return fmt.Errorf("auth.tokens[%d]: duplicate token value", i)
		}
		values[tok.Value] = struct{}{}
		if tok.ProjectID == "" {
			continue
		}
		if _, exists := known[tok.ProjectID]; !exists {
			return fmt.Errorf("auth.tokens[%d]: references unknown projectId: %s", i, tok.ProjectID)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "upstream_name":
		return fmt.Sprintf("%s must be non-empty without whitespace", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

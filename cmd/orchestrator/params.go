package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

// parseTarget splits "module.action".
func parseTarget(s string) (module, action string, err error) {
	module, action, ok := strings.Cut(s, ".")
	if !ok || module == "" || action == "" || strings.Contains(action, ".") {
		return "", "", fmt.Errorf("target must be module.action, got %q", s)
	}
	return module, action, nil
}

// parseParams merges a JSON object with key=value pairs, pairs winning.
// Values that parse as JSON keep their type; anything else is a string.
func parseParams(pairs []string, jsonObject string) (map[string]any, error) {
	params := make(map[string]any)
	if jsonObject != "" {
		if err := json.Unmarshal([]byte(jsonObject), &params); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q must be key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

// parseResource reads "type:unit=amount[,unit=amount][:mode]". A type of
// "@id" pins the requirement to one resource.
func parseResource(spec string) (models.ResourceRequirement, error) {
	var req models.ResourceRequirement
	parts := strings.Split(spec, ":")
	if len(parts) > 3 || parts[0] == "" {
		return req, fmt.Errorf("resource %q must be type:unit=amount[:mode]", spec)
	}

	if id, ok := strings.CutPrefix(parts[0], "@"); ok {
		req.ResourceID = id
	} else {
		req.Type = models.ResourceType(parts[0])
	}

	if len(parts) > 1 && parts[1] != "" {
		req.Quantity = make(models.Quantity)
		for _, kv := range strings.Split(parts[1], ",") {
			unit, amount, ok := strings.Cut(kv, "=")
			if !ok {
				return req, fmt.Errorf("resource %q: quantity %q must be unit=amount", spec, kv)
			}
			f, err := strconv.ParseFloat(amount, 64)
			if err != nil {
				return req, fmt.Errorf("resource %q: %w", spec, err)
			}
			req.Quantity[unit] = f
		}
	}
	if len(parts) > 2 {
		req.Mode = models.AccessMode(parts[2])
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func parseResources(specs []string) ([]models.ResourceRequirement, error) {
	var out []models.ResourceRequirement
	for _, s := range specs {
		r, err := parseResource(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

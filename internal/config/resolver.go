// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	yamlv3 "gopkg.in/yaml.v3"
)

// instanceContextWarnOnce logs the instance_context deprecation warning at
// most once per process, no matter how many Resolvers load files with the
// old key.
var instanceContextWarnOnce sync.Once

// Resolver implements the layered Configuration Resolver (C4): defaults →
// file → env → bus → CLI args, highest precedence last applied. It mirrors
// the teacher's LoadWithKoanf two-phase shape (internal/config/koanf.go)
// but resolves per-service-instance maps instead of one global struct.
type Resolver struct {
	zlog zerolog.Logger

	file     FileConfig
	warnings []string

	busLayer map[string]map[string]interface{} // serviceID -> field overrides
}

// NewResolver returns an empty Resolver; call LoadFile before resolving.
func NewResolver(zlog zerolog.Logger) *Resolver {
	return &Resolver{zlog: zlog, busLayer: make(map[string]map[string]interface{})}
}

// busStructDefaults carries DefaultBusAddress into koanf via structs.Provider
// (the teacher's defaultConfig()-then-overlay shape in koanf.go), so a
// services.yaml that omits the bus: block entirely still resolves a usable
// bootstrap address once env/CLI layers are applied on top.
type busStructDefaults struct {
	Bus struct {
		Host string `koanf:"host"`
		Port int    `koanf:"port"`
	} `koanf:"bus"`
}

// LoadFile reads and parses the services.yaml at path, applying ${NAME}
// env-token expansion to every string scalar before the final unmarshal
// into FileConfig (spec.md §4.4). File loading and bus-default seeding go
// through koanf the way the teacher's LoadWithKoanf layers structs.Provider
// under file.Provider; the ${NAME} token expansion below has no koanf
// provider equivalent and stays hand-rolled (see envexpand.go).
func (r *Resolver) LoadFile(path string) error {
	defaults := busStructDefaults{}
	defaults.Bus.Host = DefaultBusAddress.Host
	defaults.Bus.Port = DefaultBusAddress.Port

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return configError("seed config defaults", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return configError("read config file", err)
	}

	generic := normalizeYAMLTree(k.Raw())

	expanded, warnings := expandNode(generic)
	r.warnings = append(r.warnings, warnings...)
	for _, w := range warnings {
		r.zlog.Warn().Str("config_file", path).Msg(w)
	}

	reencoded, err := yamlv3.Marshal(expanded)
	if err != nil {
		return configError("re-encode expanded config", err)
	}

	var fc FileConfig
	if err := yamlv3.Unmarshal(reencoded, &fc); err != nil {
		return configError("unmarshal config file", err)
	}
	r.normalizeInstanceContext(&fc, path)
	r.file = fc
	return nil
}

// normalizeInstanceContext resolves the deprecated instance_context key in
// favor of variant (preferring variant when a block sets both), warning once
// per process the first time instance_context is seen anywhere.
func (r *Resolver) normalizeInstanceContext(fc *FileConfig, path string) {
	for i := range fc.Services {
		s := &fc.Services[i]
		if s.InstanceContext == "" {
			continue
		}
		instanceContextWarnOnce.Do(func() {
			r.zlog.Warn().Str("config_file", path).
				Msg("services.yaml uses the deprecated `instance_context` key; use `variant` instead")
		})
		if s.Variant == "" {
			s.Variant = s.InstanceContext
		}
	}
}

// normalizeYAMLTree converts the map[interface{}]interface{} nodes that
// some YAML decoders (and raw interface{} targets) can produce into
// map[string]interface{}, which the rest of the resolver assumes.
func normalizeYAMLTree(n interface{}) interface{} {
	switch v := n.(type) {
	case map[string]interface{}:
		for k, val := range v {
			v[k] = normalizeYAMLTree(val)
		}
		return v
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLTree(val)
		}
		return out
	case []interface{}:
		for i, val := range v {
			v[i] = normalizeYAMLTree(val)
		}
		return v
	default:
		return n
	}
}

// Warnings returns every "${NAME} undefined" warning collected during
// LoadFile.
func (r *Resolver) Warnings() []string { return r.warnings }

// BootstrapBusAddress resolves bus_host/bus_port from file + env (+
// optional CLI overrides), phase 1 of the two-phase bootstrap in spec.md
// §4.4. It must be called before any Bus connection is attempted. The env
// layer goes through koanf's env.Provider, mapping exactly BUS_HOST/BUS_PORT
// onto the same "bus.host"/"bus.port" keys the file layer used; everything
// else in the process environment is left untouched by the callback.
func (r *Resolver) BootstrapBusAddress(cliOverrides map[string]string) BusAddress {
	seed := busStructDefaults{}
	seed.Bus.Host = r.file.Bus.Host
	seed.Bus.Port = r.file.Bus.Port
	if seed.Bus.Host == "" {
		seed.Bus.Host = DefaultBusAddress.Host
	}
	if seed.Bus.Port == 0 {
		seed.Bus.Port = DefaultBusAddress.Port
	}

	k := koanf.New(".")
	_ = k.Load(structs.Provider(seed, "koanf"), nil)

	envProvider := env.Provider("", ".", func(s string) string {
		switch s {
		case "BUS_HOST":
			return "bus.host"
		case "BUS_PORT":
			return "bus.port"
		default:
			return ""
		}
	})
	if err := k.Load(envProvider, nil); err != nil {
		r.zlog.Warn().Err(err).Msg("bus env override load failed")
	}

	addr := BusAddress{Host: k.String("bus.host"), Port: k.Int("bus.port")}
	if addr.Host == "" {
		addr.Host = seed.Bus.Host
	}
	if addr.Port == 0 {
		addr.Port = seed.Bus.Port
	}

	if v, ok := cliOverrides["bus_host"]; ok && v != "" {
		addr.Host = v
	}
	if v, ok := cliOverrides["bus_port"]; ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			addr.Port = p
		}
	}
	return addr
}

// SetBusLayer installs (or replaces) the dynamic bus-sourced override layer
// for one service_id, phase 2 of the bootstrap: "Connect Bus → add
// bus-sourced layer on top (so later lookups see dynamic values)".
func (r *Resolver) SetBusLayer(serviceID string, fields map[string]interface{}) {
	r.busLayer[serviceID] = fields
}

// findSpecs returns the type-level block (variant == "") and the
// variant-specific block for (serviceType, variant), either of which may be
// the zero value if absent.
func (r *Resolver) findSpecs(serviceType, variant string) (typeBlock, variantBlock *ServiceSpec) {
	for i := range r.file.Services {
		s := &r.file.Services[i]
		if s.Type != serviceType {
			continue
		}
		if s.Variant == "" {
			typeBlock = s
		} else if s.Variant == variant {
			variantBlock = s
		}
	}
	return
}

// ResolveService assembles the effective ServiceDescriptor for
// (serviceType, variant) by merging, in ascending precedence: schema
// defaults → file type-block → file variant-block → env overrides
// ({TYPE}_{FIELD} then {TYPE}_{VARIANT}_{FIELD}) → bus-sourced layer → CLI
// overrides. schema may be nil when the service declares no typed fields.
func (r *Resolver) ResolveService(serviceType, variant string, schema []FieldSchema, cli map[string]string) (ServiceDescriptor, error) {
	typeBlock, variantBlock := r.findSpecs(serviceType, variant)
	if typeBlock == nil && variantBlock == nil {
		return ServiceDescriptor{}, configError("resolve service",
			fmt.Errorf("no services.yaml entry for %s.%s", serviceType, variant))
	}

	merged := make(map[string]interface{})
	for _, f := range schema {
		if f.Default != nil {
			merged[f.Name] = f.Default
		}
	}
	if typeBlock != nil {
		for k, v := range typeBlock.Extra {
			merged[k] = v
		}
	}
	if variantBlock != nil {
		for k, v := range variantBlock.Extra {
			merged[k] = v
		}
	}

	for _, f := range schema {
		if v, ok := os.LookupEnv(envKey(serviceType, f.Name)); ok {
			merged[f.Name] = v
		}
		if v, ok := os.LookupEnv(envKey(serviceType, variant, f.Name)); ok {
			merged[f.Name] = v
		}
	}

	if busFields, ok := r.busLayer[serviceIDOf(serviceType, variant)]; ok {
		for k, v := range busFields {
			merged[k] = v
		}
	}

	for k, v := range cli {
		merged[k] = v
	}

	for _, f := range schema {
		if f.Required {
			if _, ok := merged[f.Name]; !ok {
				return ServiceDescriptor{}, configError("resolve service",
					fmt.Errorf("required field %q has no default and no value for %s.%s", f.Name, serviceType, variant))
			}
		}
	}
	if err := coerceFields(merged, schema); err != nil {
		return ServiceDescriptor{}, configError("resolve service", err)
	}

	desc := ServiceDescriptor{
		ServiceType: serviceType,
		Variant:     variant,
		ModulePath:  resolveModulePath(r.file.Registry, serviceType),
		Fields:      merged,
	}

	spec := variantBlock
	if spec == nil {
		spec = typeBlock
	}
	policy, err := parseRestartPolicy(spec.Restart)
	if err != nil {
		return ServiceDescriptor{}, configError("restart policy", err)
	}
	desc.RestartPolicy = policy
	desc.RestartSec = 5.0
	desc.RestartMax = 0
	desc.RestartWindow = 60.0
	if spec.RestartSec != nil {
		desc.RestartSec = *spec.RestartSec
	}
	if spec.RestartMax != nil {
		desc.RestartMax = *spec.RestartMax
	}
	if spec.RestartWindow != nil {
		desc.RestartWindow = *spec.RestartWindow
	}

	return desc, nil
}

func serviceIDOf(serviceType, variant string) string {
	if variant == "" {
		return serviceType
	}
	return serviceType + "." + variant
}

// coerceFields re-types each merged value to its schema FieldType, the way
// a typed ${NAME} scalar is re-typed in expandString — values arriving from
// CLI/env strings need the same treatment since both are always strings on
// the wire.
func coerceFields(merged map[string]interface{}, schema []FieldSchema) error {
	for _, f := range schema {
		v, ok := merged[f.Name]
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		switch f.Type {
		case FieldInt:
			i, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
			merged[f.Name] = i
		case FieldFloat:
			fl, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
			merged[f.Name] = fl
		case FieldBool:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
			merged[f.Name] = b
		case FieldString, "":
			// already a string
		}
	}
	return nil
}

// ConfiguredServices lists every distinct (type, variant) combination with
// a variant-level (or, absent that, type-level) block, in file order — the
// set the Launcher publishes `declared` events for.
func (r *Resolver) ConfiguredServices() []ServiceDescriptor {
	seen := make(map[string]bool)
	var out []ServiceDescriptor
	for _, s := range r.file.Services {
		id := s.ServiceID()
		if seen[id] {
			continue
		}
		seen[id] = true
		policy, err := parseRestartPolicy(s.Restart)
		if err != nil {
			policy = RestartNo
		}
		d := ServiceDescriptor{
			ServiceType:   s.Type,
			Variant:       s.Variant,
			ModulePath:    resolveModulePath(r.file.Registry, s.Type),
			RestartPolicy: policy,
			RestartSec:    5.0,
			RestartWindow: 60.0,
			Fields:        s.Extra,
		}
		if s.RestartSec != nil {
			d.RestartSec = *s.RestartSec
		}
		if s.RestartMax != nil {
			d.RestartMax = *s.RestartMax
		}
		if s.RestartWindow != nil {
			d.RestartWindow = *s.RestartWindow
		}
		out = append(out, d)
	}
	return out
}

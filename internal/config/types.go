// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config implements the layered Configuration Resolver of spec.md
// §4.4 (C4): defaults → file → env → CLI args → bus, with per-instance
// merging and ${NAME} env-token expansion inside the config file. It keeps
// the teacher's koanf-based loading style (internal/config/koanf.go) but
// replaces Cartographus's fixed struct schema with the generic, per-service
// field-schema model spec.md §8's REDESIGN FLAGS calls for ("dataclass
// configuration loaded by name").
package config

import (
	"fmt"
	"strings"

	"github.com/araucaria-project/tcs-supervisor/internal/ferrors"
)

// RestartPolicy is the recognized set of restart.* values (spec.md §6.4).
type RestartPolicy string

const (
	RestartNo         RestartPolicy = "no"
	RestartOnFailure  RestartPolicy = "on-failure"
	RestartOnAbnormal RestartPolicy = "on-abnormal"
	RestartAlways     RestartPolicy = "always"
)

func parseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(s) {
	case "", RestartNo:
		return RestartNo, nil
	case RestartOnFailure, RestartOnAbnormal, RestartAlways:
		return RestartPolicy(s), nil
	default:
		return "", fmt.Errorf("unrecognized restart policy %q", s)
	}
}

// FieldType is the scalar type a FieldSchema entry coerces a resolved value
// to, replacing the source system's class-reflection-based dataclass
// loading (spec.md §8, REDESIGN FLAGS).
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// FieldSchema declares one named, typed, optionally-required service config
// field. Services hand the resolver a []FieldSchema instead of a Go struct,
// since the framework has no reflection-based config binding of its own.
type FieldSchema struct {
	Name     string
	Type     FieldType
	Default  interface{}
	Required bool
}

// BusAddress is the bootstrap-phase bus connection target resolved from
// file + env (+ CLI), before the bus-sourced config layer can exist.
type BusAddress struct {
	Host string
	Port int
}

// DefaultBusAddress is used when no layer supplies bus.host/bus.port.
var DefaultBusAddress = BusAddress{Host: "127.0.0.1", Port: 4222}

// FileConfig is the parsed shape of spec.md §6.4's services.yaml.
type FileConfig struct {
	Bus      BusFileSection    `yaml:"bus"`
	Registry map[string]string `yaml:"registry"`
	Services []ServiceSpec     `yaml:"services"`
}

// BusFileSection is the `bus:` top-level block.
type BusFileSection struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ServiceSpec is one entry of the `services:` list. Variant == "" denotes a
// type-level default block, merged before a more specific (type, variant)
// entry per spec.md §4.4's per-instance resolution.
//
// InstanceContext is the deprecated spelling of Variant, still accepted for
// services.yaml files written against the original system; Resolver.LoadFile
// folds it into Variant (preferring Variant when both are present) and logs
// a deprecation warning once per process.
type ServiceSpec struct {
	Type            string                 `yaml:"type"`
	Variant         string                 `yaml:"variant"`
	InstanceContext string                 `yaml:"instance_context"`
	Restart         string                 `yaml:"restart"`
	RestartSec      *float64               `yaml:"restart_sec"`
	RestartMax      *int                   `yaml:"restart_max"`
	RestartWindow   *float64               `yaml:"restart_window"`
	LogLevel        string                 `yaml:"log_level"`
	Extra           map[string]interface{} `yaml:",inline"`
}

// ServiceID is "{type}.{variant}", or just "{type}" for a type-level block.
func (s ServiceSpec) ServiceID() string {
	if s.Variant == "" {
		return s.Type
	}
	return s.Type + "." + s.Variant
}

// ServiceDescriptor is the spec.md §3 GLOSSARY value: the fully resolved
// identity and restart policy of one configured service instance.
type ServiceDescriptor struct {
	ServiceType   string
	Variant       string
	ModulePath    string
	RestartPolicy RestartPolicy
	RestartSec    float64
	RestartMax    int
	RestartWindow float64
	Fields        map[string]interface{}
}

// ServiceID is "{service_type}.{variant}" (spec.md §3: variant contains no
// dots; service_type may).
func (d ServiceDescriptor) ServiceID() string {
	if d.Variant == "" {
		return d.ServiceType
	}
	return d.ServiceType + "." + d.Variant
}

// resolveModulePath applies the registry-mapping rule of spec.md §4.4: an
// explicit non-"~" entry wins; "~" or an absent entry falls back to the
// conventional internal namespace.
func resolveModulePath(registry map[string]string, serviceType string) string {
	if p, ok := registry[serviceType]; ok && p != "" && p != "~" {
		return p
	}
	return "ocabox_tcs.services." + serviceType
}

func envKey(parts ...string) string {
	return strings.ToUpper(strings.Join(parts, "_"))
}

func configError(op string, err error) error { return ferrors.Config(op, err) }

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config provides configuration management for the jald daemon.
//
// Values are resolved with the precedence ENV > YAML file > defaults. The
// YAML file is parsed strictly; unknown keys fail with ErrUnknownConfigField.
// Environment keys carry the JALOP_ prefix. ConfigHolder keeps the live
// configuration and reloads it when the file changes.
package config

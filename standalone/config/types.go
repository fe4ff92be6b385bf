package config

import "gopper/standalone/types"

// AxisConfig represents configuration for a single axis
type AxisConfig = types.AxisConfig

// EndstopConfig represents configuration for an endstop
type EndstopConfig = types.EndstopConfig

// HeaterConfig represents configuration for a heater
type HeaterConfig = types.HeaterConfig

// MachineConfig represents the complete machine configuration
type MachineConfig = types.MachineConfig

// Package config handles loading and validating the miio bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of the supervised device and sub-device lists
//   - Default value handling
//
// Device tokens and the MQTT password should be supplied through the
// environment or a file with restricted permissions (0600).
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.ID, d.PollInterval())
//	}
package config

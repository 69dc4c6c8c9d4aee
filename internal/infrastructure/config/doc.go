// Package config handles loading and validating statesync configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields (mode-dependent)
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (the JWT secret, client tokens) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//   - JWT secrets must be at least 32 characters
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Mode)
package config

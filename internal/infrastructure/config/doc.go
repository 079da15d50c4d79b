// Package config provides configuration loading for the S0PCM bridge.
//
// Configuration is loaded from a YAML file with three layers of precedence:
//
//  1. Hardcoded defaults (defaultConfig)
//  2. YAML file values
//  3. Environment variable overrides (S0PCM_* pattern)
//
// The loaded Config is validated once and then treated as immutable; the
// rest of the application receives it by value or pointer and never
// re-reads the file.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.BaseTopic)
package config

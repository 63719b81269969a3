// Package config provides configuration parsing for livepush projects.
//
// The configuration is stored in livepush.json (comments and trailing commas
// allowed) or livepush.yaml at the project root. This package handles
// loading, saving, and validating configuration.
//
// # Configuration File Structure
//
//	{
//	  "port": 8176,
//	  "address": "192.168.1.20", // empty: first non-loopback IPv4
//	  "entryFile": "main.lua",
//	  "onboardingDelay": "1s",
//	  "source": {
//	    "kind": "fs",
//	    "root": "./scripts",
//	    "watch": {"interval": "300ms", "extensions": [".lua"]},
//	  },
//	  "admin": {"enabled": true, "address": "127.0.0.1:8177"},
//	  "log": {"level": "info", "format": "text"},
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Port:", cfg.Port)
package config

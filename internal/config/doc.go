// Package config provides configuration loading for devicehub.
//
// Configuration is assembled from three sources, later ones winning:
//
//	1. Default() values
//	2. A YAML file (--config, or devicehub.yaml / config.yaml in the working dir)
//	3. Environment variables prefixed with DEVICEHUB_
//
// Nested sections map onto nested env names:
//
//	DEVICEHUB_SERVER_PORT=9090
//	DEVICEHUB_PRESENCE_GRACE_INTERVAL=5s
//	DEVICEHUB_DELIVERY_DEFAULT_GRANT_TTL=6h
//	DEVICEHUB_STORAGE_DRIVER=sqlite
//	DEVICEHUB_SECURITY_OPERATOR_KEY=change-me
package config

// Package config loads the provisioning service configuration.
//
// Configuration is read from an optional YAML file over built-in defaults,
// then overridden by PROVISIONER_* environment variables, then validated.
// Unknown YAML keys are rejected.
//
//	server:
//	  address: ":8000"
//	store:
//	  backend: s3
//	  s3:
//	    bucket: provisioner-state
//	workflow:
//	  template_dir: /srv/eks-module
//	  timeout: 45m
//	  pass_env: [AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_SESSION_TOKEN]
//	validation:
//	  kubernetes_versions: ["1.31", "1.32", "1.33"]
//
// Durations use Go syntax (30s, 45m, 24h). List overrides in the
// environment are comma separated, e.g.
// PROVISIONER_KUBERNETES_VERSIONS=1.32,1.33.
package config

// Package config loads the idler configuration.
//
// A configuration file may be CUE, YAML or JSON. Whatever the input format,
// the document is unified with the embedded CUE schema (schema.cue), which
// supplies defaults and rejects unknown fields, and the result is decoded
// into Config and checked with validator struct tags plus a few cross-field
// rules (unique stage names, one stage per database cluster, a valid
// auto-restart cluster pattern).
//
// A minimal YAML file:
//
//	driver: aws
//	aws:
//	  region: eu-west-1
//	stages:
//	  - name: dev
//	    resources:
//	      db_cluster: {id: app-dev}
//	      cache: {id: app-dev-cache, node_type: cache.t4g.small}
//	      services:
//	        - {name: api, cluster: app-dev, desired_count: 2}
//	      gateway:
//	        name: app-dev-nat
//	        subnet_id: subnet-0abc
//	        route_table_ids: [rtb-0abc]
//	        allocation_ids: [eipalloc-0abc]
//	  - name: prod
//	    class: gated
//	    resources:
//	      db_cluster: {id: app-prod}
//
// Durations are Go duration strings. Omitted timing fields take the
// defaults from the schema: a 5m grace period, a 2h approval window, 30s
// polling, a 20m restore ceiling and a 60s stabilization wait.
package config

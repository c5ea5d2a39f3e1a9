// Package drivers defines the provider-agnostic interface idler uses to manage
// the lifecycle of cloud resources.
//
// Each managed resource type (database cluster, cache cluster, compute service,
// network gateway) has one Driver. Drivers translate provider responses into
// the small Status vocabulary and classify provider failures with engine
// errors; they never write lifecycle state themselves.
package drivers

// Package aws implements the idler resource drivers on top of aws-sdk-go-v2:
// Aurora/RDS clusters, ElastiCache replication groups, ECS services and EC2
// NAT gateways.
//
// Each driver depends on a narrow client interface satisfied by the SDK
// service client, so tests substitute fakes.
package aws

package config

import (
	"strconv"
	"strings"

	"github.com/openfroyo/idler/pkg/drivers"
)

// Refs returns the driver references the stage declares for t. The result
// is empty when the stage has no resource of that type.
func (s StageConfig) Refs(t drivers.ResourceType) []drivers.Ref {
	r := s.Resources
	ref := func(id string, attrs map[string]string) drivers.Ref {
		return drivers.Ref{Type: t, Stage: s.Name, ID: id, Attributes: attrs}
	}

	switch t {
	case drivers.DBCluster:
		if r.DBCluster != nil {
			return []drivers.Ref{ref(r.DBCluster.ID, nil)}
		}

	case drivers.CacheCluster:
		if c := r.Cache; c != nil {
			attrs := map[string]string{}
			set(attrs, drivers.AttrNodeType, c.NodeType)
			set(attrs, drivers.AttrEngine, c.Engine)
			set(attrs, drivers.AttrEngineVersion, c.EngineVersion)
			set(attrs, drivers.AttrSubnetGroup, c.SubnetGroup)
			set(attrs, drivers.AttrSecurityGroupIDs, strings.Join(c.SecurityGroupIDs, ","))
			if c.NumNodes > 0 {
				attrs[drivers.AttrNumNodes] = strconv.Itoa(c.NumNodes)
			}
			return []drivers.Ref{ref(c.ID, attrs)}
		}

	case drivers.ComputeServices:
		refs := make([]drivers.Ref, 0, len(r.Services))
		for _, svc := range r.Services {
			refs = append(refs, ref(svc.Name, map[string]string{drivers.AttrECSCluster: svc.Cluster}))
		}
		return refs

	case drivers.NetworkGateway:
		if g := r.Gateway; g != nil {
			attrs := map[string]string{drivers.AttrSubnetID: g.SubnetID}
			set(attrs, drivers.AttrRouteTableIDs, strings.Join(g.RouteTableIDs, ","))
			set(attrs, drivers.AttrAllocationIDs, strings.Join(g.AllocationIDs, ","))
			return []drivers.Ref{ref(g.Name, attrs)}
		}
	}
	return nil
}

// DefaultDesiredCount returns the configured count for a compute service, or
// 1 when the service is unknown.
func (s StageConfig) DefaultDesiredCount(cluster, name string) int {
	for _, svc := range s.Resources.Services {
		if svc.Cluster == cluster && svc.Name == name && svc.DesiredCount > 0 {
			return svc.DesiredCount
		}
	}
	return 1
}

// StageForCluster returns the stage whose database cluster id is id.
func (c *Config) StageForCluster(id string) (string, bool) {
	for _, st := range c.Stages {
		if st.Resources.DBCluster != nil && st.Resources.DBCluster.ID == id {
			return st.Name, true
		}
	}
	return "", false
}

func set(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}

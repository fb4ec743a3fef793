package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/meshguard/meshguard/internal/admission"
	"github.com/meshguard/meshguard/internal/incident"
	"github.com/meshguard/meshguard/internal/orchestrator"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/internal/router"
	"github.com/meshguard/meshguard/pkg/logging"
)

// Topology is the declarative bootstrap file loaded at startup: provider
// nodes, service dependencies, routing and admission configuration, impact
// profiles, and continuity plans. Every section is optional.
type Topology struct {
	Nodes        []registry.ServiceNode         `json:"nodes"`
	Dependencies []registry.ServiceDependency   `json:"dependencies"`
	Rules        []router.RoutingRule           `json:"routing_rules"`
	Policies     []router.TrafficPolicy         `json:"traffic_policies"`
	Limits       []admission.ServiceLimits      `json:"service_limits"`
	Profiles     []incident.ServiceImpactProfile `json:"impact_profiles"`
	Plans        []incident.ContinuityPlan      `json:"continuity_plans"`
}

func loadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}

	var topo Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parsing topology file: %w", err)
	}
	return &topo, nil
}

func applyTopology(svc *orchestrator.Service, topo *Topology, logger *logging.Logger) error {
	for _, node := range topo.Nodes {
		if err := svc.RegisterNode(node); err != nil {
			return fmt.Errorf("registering node %s: %w", node.ID, err)
		}
	}
	for _, dep := range topo.Dependencies {
		if err := svc.AddServiceDependency(dep); err != nil {
			return fmt.Errorf("adding dependency %s -> %s: %w", dep.ServiceName, dep.DependsOn, err)
		}
	}
	for _, rule := range topo.Rules {
		if err := svc.AddRoute(rule); err != nil {
			return fmt.Errorf("adding routing rule %s: %w", rule.ID, err)
		}
	}
	for _, policy := range topo.Policies {
		if err := svc.AddTrafficPolicy(policy); err != nil {
			return fmt.Errorf("adding traffic policy for %s: %w", policy.ServiceName, err)
		}
	}
	for _, limits := range topo.Limits {
		if err := svc.SetServiceLimits(limits); err != nil {
			return fmt.Errorf("setting limits for %s: %w", limits.ServiceName, err)
		}
	}
	for _, profile := range topo.Profiles {
		if err := svc.SetImpactProfile(profile); err != nil {
			return fmt.Errorf("setting impact profile for %s: %w", profile.ServiceName, err)
		}
	}
	for _, plan := range topo.Plans {
		if err := svc.AddContinuityPlan(plan); err != nil {
			return fmt.Errorf("adding continuity plan %s: %w", plan.ID, err)
		}
	}

	logger.Info("Topology applied",
		"nodes", len(topo.Nodes),
		"dependencies", len(topo.Dependencies),
		"routing_rules", len(topo.Rules),
		"traffic_policies", len(topo.Policies),
		"service_limits", len(topo.Limits),
		"impact_profiles", len(topo.Profiles),
		"continuity_plans", len(topo.Plans),
	)
	return nil
}

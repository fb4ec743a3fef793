package incident

// AssessBusinessImpact estimates the blast radius of an outage across the
// given services at the given level: hourly revenue loss is the summed
// per-service revenue scaled by the level multiplier, customer impact and
// availability deductions are additive per affected service.
func (m *Manager) AssessBusinessImpact(affectedServices []string, level Level) BusinessImpact {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalRevenue := 0.0
	customers := 0.0
	availability := 100.0
	for _, service := range affectedServices {
		profile, ok := m.profiles[service]
		if !ok {
			continue
		}
		totalRevenue += profile.HourlyRevenue
		customers += profile.CustomerImpactPercent
		availability -= profile.AvailabilityPoints
	}
	if customers > 100 {
		customers = 100
	}
	if availability < 0 {
		availability = 0
	}

	loss := totalRevenue * revenueMultipliers[level]
	return BusinessImpact{
		RevenueLossPerHour:       loss,
		AffectedCustomersPercent: customers,
		ServiceAvailability:      availability,
		Severity:                 severityFor(loss, level),
	}
}

// severityFor buckets an hourly loss into the impact scale. Catastrophic is
// reserved for critical and disaster level outages; revenue alone tops out
// at severe.
func severityFor(lossPerHour float64, level Level) ImpactSeverity {
	if level.AtLeast(LevelCritical) {
		return ImpactCatastrophic
	}
	switch {
	case lossPerHour >= 1000:
		return ImpactSevere
	case lossPerHour >= 500:
		return ImpactSignificant
	case lossPerHour >= 200:
		return ImpactModerate
	case lossPerHour >= 10:
		return ImpactMinor
	default:
		return ImpactNegligible
	}
}

// escalationPathLocked assembles the notification ladder for an incident:
// the base roles, then any service-specific roles, then director and VP at
// major and above, then the C-level at critical and above.
func (m *Manager) escalationPathLocked(affectedServices []string, level Level) []string {
	path := append([]string(nil), baseEscalationPath...)

	for _, service := range affectedServices {
		profile, ok := m.profiles[service]
		if !ok {
			continue
		}
		for _, role := range profile.EscalationRoles {
			path = appendUnique(path, role)
		}
	}

	if level.AtLeast(LevelMajor) {
		path = appendUnique(path, "engineering-director")
		path = appendUnique(path, "vp-engineering")
	}
	if level.AtLeast(LevelCritical) {
		path = appendUnique(path, "cto")
		path = appendUnique(path, "ceo")
	}
	return path
}

func (m *Manager) affectedOperationsLocked(affectedServices []string) []string {
	var operations []string
	for _, service := range affectedServices {
		profile, ok := m.profiles[service]
		if !ok {
			continue
		}
		for _, operation := range profile.AffectedOperations {
			operations = appendUnique(operations, operation)
		}
	}
	return operations
}

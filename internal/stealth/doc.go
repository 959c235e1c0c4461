// Package stealth defines core types shared across the request-governance
// subsystems: targets, request outcomes, detection signatures, risk levels,
// and the small collaborator interfaces injected into the orchestrator.
package stealth

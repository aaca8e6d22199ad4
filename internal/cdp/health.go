package cdp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradovate-relay/internal/config"
)

// DerivedStatus is the tab health probe's overall verdict (C5).
type DerivedStatus string

const (
	HealthHealthy         DerivedStatus = "HEALTHY"
	HealthDegraded        DerivedStatus = "DEGRADED"
	HealthUnresponsive    DerivedStatus = "UNRESPONSIVE"
	HealthMisauthenticated DerivedStatus = "MISAUTHENTICATED"
)

// HealthReport is one point-in-time health probe result.
type HealthReport struct {
	BasicEvalOK                  bool
	URLMatchesExpectedHost       bool
	DocumentReady                bool
	RequiredPageFunctionsPresent bool
	DerivedStatus                DerivedStatus
}

// HealthProbe evaluates a small battery of expressions against a tab
// to confirm the page is alive, on the expected host, and still
// exposes the in-page driver's required functions (§6).
type HealthProbe struct {
	evaluator         *Evaluator
	expectedHost      string
	requiredFunctions []string
	loginPathHints    []string
	timeout           time.Duration
	interval          time.Duration
}

// NewHealthProbe builds a probe against expectedHost (the configured
// trading host) checking that every name in requiredFunctions resolves
// to a JS function on the page, on the given cadence.
func NewHealthProbe(evaluator *Evaluator, expectedHost string, requiredFunctions, loginPathHints []string, interval, timeout time.Duration) *HealthProbe {
	return &HealthProbe{
		evaluator:         evaluator,
		expectedHost:      expectedHost,
		requiredFunctions: requiredFunctions,
		loginPathHints:    loginPathHints,
		interval:          interval,
		timeout:           timeout,
	}
}

// CheckHealth runs the full probe battery against tabID (§4.5):
// a basic arithmetic eval, the page's URL host, document.readyState,
// and presence of each required page function.
func (p *HealthProbe) CheckHealth(ctx context.Context, tabID string) HealthReport {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	basicOK, _ := p.evalBool(cctx, tabID, "1 + 1 === 2")

	var report HealthReport
	if !basicOK {
		report.DerivedStatus = HealthUnresponsive
		return report
	}
	report.BasicEvalOK = true

	urlOK := false
	loginPath := false
	if outcome, value, err := p.evaluator.Eval(cctx, tabID, config.OpClassNonCritical, "window.location.href", "string"); err == nil && outcome == OutcomeSuccess {
		if href, ok := value.(string); ok {
			urlOK = strings.Contains(href, p.expectedHost)
			for _, hint := range p.loginPathHints {
				if hint != "" && strings.Contains(href, hint) {
					loginPath = true
				}
			}
		}
	}
	report.URLMatchesExpectedHost = urlOK

	readyOK, _ := p.evalBool(cctx, tabID, "document.readyState === 'complete'")
	report.DocumentReady = readyOK

	fnsOK := true
	for _, fn := range p.requiredFunctions {
		ok, _ := p.evalBool(cctx, tabID, fmt.Sprintf("typeof %s === 'function'", fn))
		if !ok {
			fnsOK = false
			break
		}
	}
	report.RequiredPageFunctionsPresent = fnsOK

	switch {
	case loginPath:
		report.DerivedStatus = HealthMisauthenticated
	case urlOK && readyOK && fnsOK:
		report.DerivedStatus = HealthHealthy
	default:
		report.DerivedStatus = HealthDegraded
	}
	return report
}

func (p *HealthProbe) evalBool(ctx context.Context, tabID, expression string) (bool, error) {
	outcome, value, err := p.evaluator.Eval(ctx, tabID, config.OpClassNonCritical, expression, "boolean")
	if err != nil {
		return false, err
	}
	if outcome != OutcomeSuccess {
		return false, fmt.Errorf("cdp: health eval returned outcome %s", outcome)
	}
	truthy, ok := value.(bool)
	if !ok {
		return value != nil, nil
	}
	return truthy, nil
}

// Run starts a blocking loop invoking CheckHealth on the configured
// interval until ctx is done, calling onResult after each check.
func (p *HealthProbe) Run(ctx context.Context, tabID string, onResult func(report HealthReport)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onResult(p.CheckHealth(ctx, tabID))
		}
	}
}

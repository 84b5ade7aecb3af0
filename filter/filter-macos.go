//go:build darwin

package filter

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// filterImpl keeps its block rules in a PF anchor that /etc/pf.conf must
// reference.
type filterImpl struct {
	anchor string
	run    runner
	*udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	enabled, err := isPFEnabled(execRunner)
	if err != nil || !enabled {
		return nil, fmt.Errorf("PF service is not enabled: %v", err)
	}
	refExists, err := pfCheckAnchor("/etc/pf.conf", identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to check anchor reference in /etc/pf.conf: %w", err)
	}
	if !refExists {
		return nil, fmt.Errorf("anchor reference to %s does not exist in /etc/pf.conf. Please add it", identifier)
	}
	return &filterImpl{anchor: identifier, run: execRunner, udpServerFilter: newUdpServerFilter()}, nil
}

func clientRule(dstAddr string, dstPort int) string {
	return fmt.Sprintf("block drop out quick inet proto tcp from any to %s port = %d flags R/R", dstAddr, dstPort)
}

func serverRule(srcAddr string, srcPort int) string {
	if srcAddr == "" || srcAddr == "0.0.0.0" {
		srcAddr = "any"
	}
	return fmt.Sprintf("block drop out quick inet proto tcp from %s port = %d to any flags R/R", srcAddr, srcPort)
}

func (f *filterImpl) addRule(newRule string) error {
	currentRules, err := getPfRules(f.run, f.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %w", err)
	}
	if containsRule(currentRules, newRule) {
		return nil
	}
	currentRules = append(currentRules, newRule)
	if err := pfLoadRules(f.run, f.anchor, strings.Join(currentRules, "\n")+"\n"); err != nil {
		return fmt.Errorf("failed to load updated rules: %w", err)
	}
	log.Printf("Successfully added rule: %s", newRule)
	return nil
}

func (f *filterImpl) removeRule(ruleToRemove string) error {
	currentRules, err := getPfRules(f.run, f.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %w", err)
	}
	updatedRules := currentRules[:0]
	for _, rule := range currentRules {
		if rule != strings.TrimSpace(ruleToRemove) {
			updatedRules = append(updatedRules, rule)
		}
	}
	if err := pfLoadRules(f.run, f.anchor, strings.Join(updatedRules, "\n")+"\n"); err != nil {
		return fmt.Errorf("failed to load updated rules: %w", err)
	}
	return nil
}

func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.addRule(clientRule(dstAddr, dstPort))
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.removeRule(clientRule(dstAddr, dstPort))
}

func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.addRule(serverRule(srcAddr, srcPort))
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.removeRule(serverRule(srcAddr, srcPort))
}

// FinishFiltering flushes the anchor and closes the placeholder UDP sockets.
func (f *filterImpl) FinishFiltering() error {
	var errs []error
	if output, err := f.run("", "pfctl", "-a", f.anchor, "-F", "rules"); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush rules for anchor %s: %w\nCommand output: %s", f.anchor, err, output))
	}
	errs = append(errs, f.closeAll())
	return errors.Join(errs...)
}

func isPFEnabled(run runner) (bool, error) {
	output, err := run("", "pfctl", "-s", "info")
	if err != nil {
		return false, fmt.Errorf("pfctl check failed: %w\nOutput: %s", err, output)
	}
	return strings.Contains(string(output), "Status: Enabled"), nil
}

// pfCheckAnchor reports whether the PF configuration at path references
// anchor.
func pfCheckAnchor(path, anchor string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return strings.Contains(string(data), fmt.Sprintf("anchor \"%s\"", anchor)), nil
}

// getPfRules returns the block rules loaded in anchor, the only kind we add.
func getPfRules(run runner, anchor string) ([]string, error) {
	output, err := run("", "pfctl", "-a", anchor, "-s", "rules")
	if err != nil {
		return nil, fmt.Errorf("failed to query PF rules: %w\nOutput: %s", err, output)
	}
	var rules []string
	for _, line := range strings.Split(string(output), "\n") {
		if trimmed := strings.TrimSpace(line); strings.HasPrefix(trimmed, "block") {
			rules = append(rules, trimmed)
		}
	}
	return rules, nil
}

func pfLoadRules(run runner, anchor, rules string) error {
	output, err := run(rules, "pfctl", "-a", anchor, "-f", "-")
	if err != nil {
		return fmt.Errorf("failed to load PF rules: %w\nCommand output: %s", err, output)
	}
	return nil
}

func containsRule(rules []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, rule := range rules {
		if strings.TrimSpace(rule) == target {
			return true
		}
	}
	return false
}

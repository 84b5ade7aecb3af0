//go:build linux

package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// filterImpl drops the host's RSTs with iptables rules tagged by a comment.
type filterImpl struct {
	comment string
	run     runner
	*udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	return newFilter(identifier, execRunner)
}

func newFilter(identifier string, run runner) (*filterImpl, error) {
	if output, err := run("", "iptables", "-S"); err != nil {
		return nil, fmt.Errorf("iptables is not enabled or available: %w\nOutput: %s", err, output)
	}
	log.Println("iptables is enabled and available.")
	return &filterImpl{comment: identifier, run: run, udpServerFilter: newUdpServerFilter()}, nil
}

func (f *filterImpl) clientRule(dstAddr string, dstPort int) []string {
	return []string{"OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST", "-d", dstAddr, "--dport", strconv.Itoa(dstPort),
		"-m", "comment", "--comment", f.comment, "-j", "DROP"}
}

func (f *filterImpl) serverRule(srcAddr string, srcPort int) []string {
	rule := []string{"OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST"}
	if srcAddr != "" && srcAddr != "0.0.0.0" {
		rule = append(rule, "-s", srcAddr)
	}
	return append(rule, "--sport", strconv.Itoa(srcPort), "-m", "comment", "--comment", f.comment, "-j", "DROP")
}

// addRule appends rule unless iptables -C finds it already present.
func (f *filterImpl) addRule(rule []string) error {
	if _, err := f.run("", "iptables", append([]string{"-C"}, rule...)...); err == nil {
		log.Debugf("Rule already exists: %s", strings.Join(rule, " "))
		return nil
	}
	if output, err := f.run("", "iptables", append([]string{"-A"}, rule...)...); err != nil {
		return fmt.Errorf("failed to add iptables rule: %w\nOutput: %s", err, output)
	}
	log.Printf("Successfully added rule: %s", strings.Join(rule, " "))
	return nil
}

func (f *filterImpl) deleteRule(rule []string) error {
	if output, err := f.run("", "iptables", append([]string{"-D"}, rule...)...); err != nil {
		return fmt.Errorf("failed to remove iptables rule: %w\nOutput: %s", err, output)
	}
	return nil
}

func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.addRule(f.clientRule(dstAddr, dstPort))
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	return f.deleteRule(f.clientRule(dstAddr, dstPort))
}

func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.addRule(f.serverRule(srcAddr, srcPort))
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	return f.deleteRule(f.serverRule(srcAddr, srcPort))
}

// FinishFiltering deletes every OUTPUT rule carrying our comment and closes
// the placeholder UDP sockets.
func (f *filterImpl) FinishFiltering() error {
	output, err := f.run("", "iptables", "-S", "OUTPUT")
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %w\nOutput: %s", err, output)
	}
	var errs []error
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" || !hasComment(fields, f.comment) {
			continue
		}
		fields[0] = "-D"
		for i := range fields {
			fields[i] = strings.Trim(fields[i], `"`)
		}
		if out, err := f.run("", "iptables", fields...); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: %s", strings.Join(fields, " "), err, out))
		}
	}
	errs = append(errs, f.closeAll())
	return errors.Join(errs...)
}

func hasComment(fields []string, comment string) bool {
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "--comment" && strings.Trim(fields[i+1], `"`) == comment {
			return true
		}
	}
	return false
}

//go:build windows

// Package nrpt manages one Name Resolution Policy Table rule that maps a
// set of domain suffixes to the tunnel's DNS servers, bypassing
// per-adapter resolver settings.
package nrpt

import (
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"

	"win-tunsetup/internal/core"
)

const (
	policyConfigKey = `SYSTEM\CurrentControlSet\Services\Dnscache\Parameters\DnsPolicyConfig`
	ruleName        = "TunnelDNSRouting"

	// ConfigOptions bit for a generic DNS server rule.
	optGenericDNSServer = 0x8
	ruleVersion         = 2
)

// Policy implements the planner's PolicyTable contract on the registry.
type Policy struct{}

// Install writes the rule. The DNS service watches this key, so no
// restart is needed for the rule to take effect.
func (Policy) Install(suffixes, servers []string, log core.TextLog) error {
	k, _, err := registry.CreateKey(registry.LOCAL_MACHINE, policyConfigKey+`\`+ruleName,
		registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("create NRPT rule key: %w", err)
	}
	defer k.Close()

	if err := k.SetDWordValue("Version", ruleVersion); err != nil {
		return fmt.Errorf("set NRPT Version: %w", err)
	}
	if err := k.SetStringsValue("Name", suffixes); err != nil {
		return fmt.Errorf("set NRPT Name: %w", err)
	}
	if err := k.SetStringValue("GenericDNSServers", strings.Join(servers, ";")); err != nil {
		return fmt.Errorf("set NRPT GenericDNSServers: %w", err)
	}
	if err := k.SetDWordValue("ConfigOptions", optGenericDNSServer); err != nil {
		return fmt.Errorf("set NRPT ConfigOptions: %w", err)
	}

	log.Printf("NRPT rule installed: %v -> %v", suffixes, servers)
	return nil
}

// Remove deletes the rule. Deleting a rule that does not exist is not an
// error: teardown tolerates nothing-to-undo.
func (Policy) Remove(log core.TextLog) error {
	err := registry.DeleteKey(registry.LOCAL_MACHINE, policyConfigKey+`\`+ruleName)
	if err == registry.ErrNotExist {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete NRPT rule key: %w", err)
	}
	log.Printf("NRPT rule removed")
	return nil
}

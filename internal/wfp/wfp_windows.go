//go:build windows

// Package wfp implements DNS leak protection with the Windows Filtering
// Platform: while the tunnel is up, port 53 traffic is permitted only
// for one application and only toward the tunnel adapter, and blocked
// for everything else.
package wfp

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/tailscale/wf"

	"win-tunsetup/internal/core"
)

var (
	tunProviderID = wf.ProviderID{
		Data1: 0x54550001,
		Data2: 0x0001,
		Data3: 0x0001,
		Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	}
	tunSublayerID = wf.SublayerID{
		Data1: 0x54550002,
		Data2: 0x0002,
		Data3: 0x0002,
		Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	}
)

// Rule weights within our sublayer. Permits must outrank the block.
const (
	weightBlockDNS   = 2000
	weightPermitTun  = 3000
	weightPermitSelf = 4000
)

// LeakGuard holds one dynamic WFP session. Dynamic sessions drop every
// rule when closed or when the process dies, so a crash never leaves
// the host without DNS.
type LeakGuard struct {
	session *wf.Session
	nextSeq uint32
}

// AllowDNSOnly opens the session and installs the rule set:
//
//  1. permit port 53 from appPath on any interface
//  2. permit port 53 from anyone toward the tunnel adapter
//  3. block port 53 everywhere else
func (g *LeakGuard) AllowDNSOnly(appPath string, adapterLUID uint64, log core.TextLog) error {
	if g.session != nil {
		return nil
	}

	sess, err := wf.New(&wf.Options{
		Name:        "Tunnel DNS Leak Guard",
		Description: "Restricts DNS to the tunnel while it is up",
		Dynamic:     true,
	})
	if err != nil {
		return fmt.Errorf("open WFP session: %w", err)
	}

	if err := sess.AddProvider(&wf.Provider{
		ID:          tunProviderID,
		Name:        "Tunnel Setup",
		Description: "Tunnel Setup WFP Provider",
	}); err != nil {
		sess.Close()
		return fmt.Errorf("add WFP provider: %w", err)
	}
	if err := sess.AddSublayer(&wf.Sublayer{
		ID:       tunSublayerID,
		Name:     "Tunnel DNS Rules",
		Provider: tunProviderID,
		Weight:   0x0F,
	}); err != nil {
		sess.Close()
		return fmt.Errorf("add WFP sublayer: %w", err)
	}

	g.session = sess
	if err := g.addRules(appPath, adapterLUID); err != nil {
		sess.Close()
		g.session = nil
		return err
	}

	log.Printf("DNS leak protection enabled (app=%s tunnel LUID=0x%x)", appPath, adapterLUID)
	return nil
}

// Both IP versions get the same three rules for UDP and TCP.
func (g *LeakGuard) addRules(appPath string, adapterLUID uint64) error {
	appID, err := wf.AppID(appPath)
	if err != nil {
		return fmt.Errorf("resolve app ID for %s: %w", appPath, err)
	}

	layers := []wf.LayerID{wf.LayerALEAuthConnectV4, wf.LayerALEAuthConnectV6}
	protos := []uint8{17, 6}

	for _, layer := range layers {
		for _, proto := range protos {
			port53 := []*wf.Match{
				{Field: wf.FieldIPProtocol, Op: wf.MatchTypeEqual, Value: proto},
				{Field: wf.FieldIPRemotePort, Op: wf.MatchTypeEqual, Value: uint16(53)},
			}

			if err := g.session.AddRule(&wf.Rule{
				ID:       g.nextRuleID(),
				Name:     "tunnel permit DNS self",
				Layer:    layer,
				Sublayer: tunSublayerID,
				Weight:   weightPermitSelf,
				Conditions: append([]*wf.Match{
					{Field: wf.FieldALEAppID, Op: wf.MatchTypeEqual, Value: appID},
				}, port53...),
				Action: wf.ActionPermit,
			}); err != nil {
				return fmt.Errorf("add DNS self permit: %w", err)
			}

			if err := g.session.AddRule(&wf.Rule{
				ID:       g.nextRuleID(),
				Name:     "tunnel permit DNS on adapter",
				Layer:    layer,
				Sublayer: tunSublayerID,
				Weight:   weightPermitTun,
				Conditions: append([]*wf.Match{
					{Field: wf.FieldIPLocalInterface, Op: wf.MatchTypeEqual, Value: adapterLUID},
				}, port53...),
				Action: wf.ActionPermit,
			}); err != nil {
				return fmt.Errorf("add tunnel DNS permit: %w", err)
			}

			if err := g.session.AddRule(&wf.Rule{
				ID:         g.nextRuleID(),
				Name:       "tunnel block DNS",
				Layer:      layer,
				Sublayer:   tunSublayerID,
				Weight:     weightBlockDNS,
				Conditions: port53,
				Action:     wf.ActionBlock,
			}); err != nil {
				return fmt.Errorf("add DNS block: %w", err)
			}
		}
	}
	return nil
}

// Remove closes the session, which drops every installed rule.
func (g *LeakGuard) Remove(log core.TextLog) error {
	if g.session == nil {
		return nil
	}
	err := g.session.Close()
	g.session = nil
	if err != nil {
		return fmt.Errorf("close WFP session: %w", err)
	}
	log.Printf("DNS leak protection removed")
	return nil
}

func (g *LeakGuard) nextRuleID() wf.RuleID {
	g.nextSeq++
	guid, err := windows.GenerateGUID()
	if err != nil {
		return wf.RuleID{
			Data1: 0x54550100 + g.nextSeq,
			Data2: 0x0001,
			Data3: 0x0001,
			Data4: [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		}
	}
	return wf.RuleID(guid)
}

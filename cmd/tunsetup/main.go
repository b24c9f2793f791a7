//go:build windows

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"win-tunsetup/internal/actions"
	"win-tunsetup/internal/adapter"
	"win-tunsetup/internal/core"
	"win-tunsetup/internal/netinfo"
	"win-tunsetup/internal/nrpt"
	"win-tunsetup/internal/pull"
	"win-tunsetup/internal/tunsetup"
	"win-tunsetup/internal/wfp"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	profilePath := flag.String("profile", "profile.yaml", "Path to tunnel profile file")
	pushReply := flag.String("push", "", "Raw PUSH_REPLY string to apply instead of a profile")
	appPath := flag.String("app-path", "", "Application allowed to resolve DNS directly (defaults to this executable)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunsetup %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loadConfig(*profilePath, *pushReply)
	if err != nil {
		core.Log.Fatalf("Core", "Failed to load configuration: %v", err)
	}

	exe := *appPath
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			core.Log.Fatalf("Core", "Cannot determine executable path: %v", err)
		}
	}

	core.Log.Infof("Core", "tunsetup %s starting...", version)

	caps := tunsetup.DetectCaps()
	core.Log.Infof("Core", "Capabilities: legacy=%v vista-dns=%v nrpt=%v wfp=%v",
		caps.LegacyDriver, caps.VistaDNS, caps.NRPT, caps.WFP)

	// The gateway probe excludes the tunnel adapter itself, whose LUID
	// is only known after Open. The opener wrapper fills it in.
	var tunLUID uint64

	env := &tunsetup.Env{
		Caps:   caps,
		Runner: actions.ExecRunner{},
		Gateway: func() tunsetup.DefaultGateway {
			return netinfo.GatewayFunc(tunLUID, core.Log)()
		},
		Net:      netinfo.Probe{},
		Policy:   nrpt.Policy{},
		Firewall: &wfp.LeakGuard{},
	}

	open := adapter.Opener{RequireTAP: caps.LegacyDriver}
	opener := tunsetup.OpenerFunc(func(log core.TextLog) (tunsetup.TunDevice, error) {
		dev, err := open.Open(log)
		if err != nil {
			return nil, err
		}
		tunLUID = dev.Identity().LUID
		return dev, nil
	})

	setup := tunsetup.New(env, opener)
	defer setup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	log := core.Log.Component("TUN")
	dev, err := setup.Establish(ctx, cfg, exe, log)
	if err != nil {
		// Fatalf exits without running deferred teardown. Reverse any
		// changes a partial apply left behind before bailing out.
		setup.Destroy(log)
		core.Log.Fatalf("Core", "Tunnel setup failed: %v", err)
	}
	defer dev.Close()

	core.Log.Infof("Core", "Tunnel configured. Press Ctrl+C to tear down.")
	<-ctx.Done()

	core.Log.Infof("Core", "Shutting down...")
	setup.Destroy(log)
}

// loadConfig builds the pulled-configuration snapshot either from a raw
// push reply or from a YAML profile. The profile path also carries the
// logging configuration.
func loadConfig(profilePath, pushReply string) (*pull.Config, error) {
	if pushReply != "" {
		return pull.ParsePushReply(pushReply)
	}

	prof, err := pull.LoadProfile(resolveRelativeToExe(profilePath))
	if err != nil {
		return nil, err
	}
	core.Log = core.NewLogger(prof.Logging)
	return prof.Config()
}

// resolveRelativeToExe resolves a relative path against the directory
// containing the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
